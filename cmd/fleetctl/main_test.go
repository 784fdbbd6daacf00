package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/ros-fleet/internal/config"
	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/ros/rostest"
)

// inventoryFor builds an inventory with one router pointing at the fake.
func inventoryFor(rt *rostest.Router) *config.Config {
	id := rt.Identity("edge-1", 2*time.Second)
	return &config.Config{Routers: []config.Router{{
		ID:       id.ID,
		Host:     id.Host,
		Port:     id.Port,
		Username: id.Username,
		Password: id.Password,
		Timeout:  config.Duration(id.Timeout),
	}}}
}

func TestConnect_OpenCallClose(t *testing.T) {
	rt := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		switch req.Path {
		case "/system/identity/print":
			w.Send("!re", ".tag="+req.Tag, "=name=edge-1")
			w.Send("!done", ".tag="+req.Tag)
		default:
			w.Send("!trap", ".tag="+req.Tag, "=message=unknown command")
			w.Send("!done", ".tag="+req.Tag)
		}
	})
	cfg := inventoryFor(rt)
	ctx := context.Background()

	dev, closeSess, err := connect(ctx, cfg, "edge-1")
	require.NoError(t, err)

	name, err := dev.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, "edge-1", name)

	// Closing the session must be clean and make further calls fail.
	closeSess()
	_, err = dev.Identity(ctx)
	require.ErrorIs(t, err, errs.ErrConnClosed)
}

func TestConnect_UnknownRouter(t *testing.T) {
	cfg := &config.Config{}
	_, _, err := connect(context.Background(), cfg, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
