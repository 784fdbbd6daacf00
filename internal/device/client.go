// Package device is the typed command facade over a router session: it
// translates raw word-list replies into domain records and back.
package device

import (
	"context"
	"fmt"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/ros"
)

// Subscription is a cancellable handle to a streaming command.
type Subscription interface {
	Cancel() error
}

// Conn is the slice of a session the facade needs. *ros.Session
// satisfies it through sessionConn.
type Conn interface {
	Call(ctx context.Context, req ros.Request) (*ros.Result, error)
	Stream(req ros.Request, onData func(ros.Reply), onErr func(error)) (Subscription, error)
}

type sessionConn struct{ s *ros.Session }

func (c sessionConn) Call(ctx context.Context, req ros.Request) (*ros.Result, error) {
	return c.s.Call(ctx, req)
}

func (c sessionConn) Stream(req ros.Request, onData func(ros.Reply), onErr func(error)) (Subscription, error) {
	return c.s.Stream(req, onData, onErr)
}

// Client issues typed operations against one router.
type Client struct {
	conn     Conn
	routerID string
}

// NewClient constructs a facade over any Conn (fakes in tests).
func NewClient(conn Conn, routerID string) *Client {
	return &Client{conn: conn, routerID: routerID}
}

// ForSession constructs a facade over a live session.
func ForSession(s *ros.Session, routerID string) *Client {
	return NewClient(sessionConn{s: s}, routerID)
}

// Identity returns the router's configured name.
func (c *Client) Identity(ctx context.Context) (string, error) {
	res, err := c.conn.Call(ctx, ros.Request{Path: "/system/identity/print"})
	if err != nil {
		return "", err
	}
	if len(res.Replies) == 0 {
		return "", nil
	}
	return attrStr(res.Replies[0].Attrs, "name"), nil
}

// SystemResource reads the router's hardware/software state.
func (c *Client) SystemResource(ctx context.Context) (model.SystemResource, error) {
	res, err := c.conn.Call(ctx, ros.Request{Path: "/system/resource/print"})
	if err != nil {
		return model.SystemResource{}, err
	}
	if len(res.Replies) == 0 {
		return model.SystemResource{}, nil
	}
	a := res.Replies[0].Attrs
	return model.SystemResource{
		Uptime:       attrStr(a, "uptime"),
		Version:      attrStr(a, "version"),
		BoardName:    attrStr(a, "board-name"),
		Architecture: attrStr(a, "architecture-name"),
		CPULoad:      attrInt(a, "cpu-load"),
		FreeMemory:   attrInt(a, "free-memory"),
		TotalMemory:  attrInt(a, "total-memory"),
	}, nil
}

// Interfaces lists the router's interfaces with traffic totals.
func (c *Client) Interfaces(ctx context.Context) ([]model.InterfaceStats, error) {
	res, err := c.conn.Call(ctx, ros.Request{Path: "/interface/print"})
	if err != nil {
		return nil, err
	}
	out := make([]model.InterfaceStats, 0, len(res.Replies))
	for _, rep := range res.Replies {
		a := rep.Attrs
		out = append(out, model.InterfaceStats{
			Name:     attrStr(a, "name"),
			Type:     attrStr(a, "type"),
			Running:  attrBool(a, "running"),
			Disabled: attrBool(a, "disabled"),
			RxByte:   attrInt(a, "rx-byte"),
			TxByte:   attrInt(a, "tx-byte"),
			Comment:  attrStr(a, "comment"),
		})
	}
	return out, nil
}

func profilePath(kind model.ProfileKind) (string, error) {
	switch kind {
	case model.ProfileHotspot:
		return "/ip/hotspot/user/profile/print", nil
	case model.ProfilePPPoE:
		return "/ppp/profile/print", nil
	default:
		return "", fmt.Errorf("device: unknown profile kind %q", kind)
	}
}

// Profiles lists the session profiles of one kind. Omitted fields keep
// type-appropriate zero values; routers drop empty attributes.
func (c *Client) Profiles(ctx context.Context, kind model.ProfileKind) ([]model.Profile, error) {
	path, err := profilePath(kind)
	if err != nil {
		return nil, err
	}
	res, err := c.conn.Call(ctx, ros.Request{Path: path})
	if err != nil {
		return nil, err
	}
	out := make([]model.Profile, 0, len(res.Replies))
	for _, rep := range res.Replies {
		a := rep.Attrs
		out = append(out, model.Profile{
			RouterID:       c.routerID,
			Name:           attrStr(a, "name"),
			Kind:           kind,
			RateLimit:      attrStr(a, "rate-limit"),
			SharedUsers:    attrInt(a, "shared-users"),
			SessionTimeout: attrStr(a, "session-timeout"),
			Source:         model.SourceRouter,
		})
	}
	return out, nil
}

// Credentials lists hotspot users. Status is derived from the router's
// observed fields: disabled wins, then any recorded traffic marks the
// voucher used.
func (c *Client) Credentials(ctx context.Context) ([]model.Credential, error) {
	res, err := c.conn.Call(ctx, ros.Request{Path: "/ip/hotspot/user/print"})
	if err != nil {
		return nil, err
	}
	out := make([]model.Credential, 0, len(res.Replies))
	for _, rep := range res.Replies {
		a := rep.Attrs
		cred := model.Credential{
			RouterID: c.routerID,
			Username: attrStr(a, "name"),
			Password: attrStr(a, "password"),
			Profile:  attrStr(a, "profile"),
			BytesIn:  attrInt(a, "bytes-in"),
			BytesOut: attrInt(a, "bytes-out"),
		}
		switch {
		case attrBool(a, "disabled"):
			cred.Status = model.CredentialDisabled
		case cred.BytesIn+cred.BytesOut > 0 || attrStr(a, "uptime") != "" && attrStr(a, "uptime") != "0s":
			cred.Status = model.CredentialUsed
		default:
			cred.Status = model.CredentialActive
		}
		out = append(out, cred)
	}
	return out, nil
}

// AddCredential creates a hotspot user on the router. A device-reported
// duplicate surfaces as errs.ErrDuplicate so callers can treat it as
// "already present".
func (c *Client) AddCredential(ctx context.Context, cred model.Credential) error {
	args := map[string]string{
		"name":     cred.Username,
		"password": cred.Password,
		"profile":  cred.Profile,
	}
	if cred.Note != "" {
		args["comment"] = cred.Note
	}
	_, err := c.conn.Call(ctx, ros.Request{Path: "/ip/hotspot/user/add", Args: args})
	if err != nil {
		if errs.IsDeviceDuplicate(err) {
			return fmt.Errorf("device: add %s: %w", cred.Username, errs.ErrDuplicate)
		}
		return err
	}
	return nil
}

// RemoveCredential deletes a hotspot user by name. Unknown names yield
// errs.ErrNotFound.
func (c *Client) RemoveCredential(ctx context.Context, username string) error {
	res, err := c.conn.Call(ctx, ros.Request{
		Path:    "/ip/hotspot/user/print",
		Queries: []string{"?name=" + username},
	})
	if err != nil {
		return err
	}
	if len(res.Replies) == 0 {
		return fmt.Errorf("device: remove %s: %w", username, errs.ErrNotFound)
	}
	id := attrStr(res.Replies[0].Attrs, ".id")
	_, err = c.conn.Call(ctx, ros.Request{
		Path: "/ip/hotspot/user/remove",
		Args: map[string]string{".id": id},
	})
	return err
}

// ActiveSessions snapshots currently logged-in hotspot users.
func (c *Client) ActiveSessions(ctx context.Context) ([]model.ActiveSession, error) {
	res, err := c.conn.Call(ctx, ros.Request{Path: "/ip/hotspot/active/print"})
	if err != nil {
		return nil, err
	}
	out := make([]model.ActiveSession, 0, len(res.Replies))
	for _, rep := range res.Replies {
		a := rep.Attrs
		out = append(out, model.ActiveSession{
			RouterID: c.routerID,
			Username: attrStr(a, "user"),
			Address:  attrStr(a, "address"),
			MAC:      attrStr(a, "mac-address"),
			Uptime:   attrStr(a, "uptime"),
			BytesIn:  attrInt(a, "bytes-in"),
			BytesOut: attrInt(a, "bytes-out"),
		})
	}
	return out, nil
}

// MonitorTraffic starts a live per-interface traffic stream. Samples
// arrive on onSample until the subscription is cancelled.
func (c *Client) MonitorTraffic(iface string, onSample func(model.TrafficSample), onErr func(error)) (Subscription, error) {
	return c.conn.Stream(ros.Request{
		Path: "/interface/monitor-traffic",
		Args: map[string]string{"interface": iface},
	}, func(rep ros.Reply) {
		onSample(model.TrafficSample{
			Interface: attrStr(rep.Attrs, "name"),
			RxBPS:     attrInt(rep.Attrs, "rx-bits-per-second"),
			TxBPS:     attrInt(rep.Attrs, "tx-bits-per-second"),
		})
	}, onErr)
}

// Run executes an arbitrary command path and returns each data reply as
// an attribute map. Used by the raw command surface and the CLI.
func (c *Client) Run(ctx context.Context, path string, args map[string]string) ([]map[string]string, error) {
	res, err := c.conn.Call(ctx, ros.Request{Path: path, Args: args})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(res.Replies))
	for _, rep := range res.Replies {
		out = append(out, rep.Attrs)
	}
	return out, nil
}

// RunStream starts an arbitrary streaming command path.
func (c *Client) RunStream(path string, args map[string]string, onData func(map[string]string), onErr func(error)) (Subscription, error) {
	return c.conn.Stream(ros.Request{Path: path, Args: args}, func(rep ros.Reply) {
		onData(rep.Attrs)
	}, onErr)
}
