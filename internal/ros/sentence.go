package ros

import (
	"fmt"
	"sort"
	"strings"
)

// Reply kinds as sent by the router.
const (
	kindRe    = "!re"
	kindDone  = "!done"
	kindTrap  = "!trap"
	kindFatal = "!fatal"
)

// Request is one command to send: a path word plus attribute and query
// words. Attribute order on the wire is not significant to the router.
type Request struct {
	Path    string            // e.g. "/ip/hotspot/user/add"
	Args    map[string]string // encoded as "=key=value"
	Queries []string          // encoded verbatim, e.g. "?name=guest1"
}

// words renders the request as wire words with the given correlation tag.
// Args are emitted in sorted key order so encoding is deterministic.
func (r Request) words(tag string) []string {
	out := make([]string, 0, len(r.Args)+len(r.Queries)+2)
	out = append(out, r.Path)
	keys := make([]string, 0, len(r.Args))
	for k := range r.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "="+k+"="+r.Args[k])
	}
	out = append(out, r.Queries...)
	if tag != "" {
		out = append(out, ".tag="+tag)
	}
	return out
}

// Reply is one parsed sentence received from the router.
type Reply struct {
	Kind  string // "!re", "!done", "!trap" or "!fatal"
	Tag   string
	Attrs map[string]string
}

// parseReply interprets raw words as a reply sentence. The first word
// must be a reply kind; the rest are ".tag=" and "=key=value" words.
func parseReply(words []string) (Reply, error) {
	if len(words) == 0 {
		return Reply{}, fmt.Errorf("ros: empty sentence")
	}
	kind := words[0]
	switch kind {
	case kindRe, kindDone, kindTrap, kindFatal:
	default:
		return Reply{}, fmt.Errorf("ros: unexpected reply word %q", kind)
	}

	rep := Reply{Kind: kind, Attrs: make(map[string]string, len(words)-1)}
	for _, w := range words[1:] {
		switch {
		case strings.HasPrefix(w, ".tag="):
			rep.Tag = w[len(".tag="):]
		case strings.HasPrefix(w, "="):
			k, v, _ := strings.Cut(w[1:], "=")
			rep.Attrs[k] = v
		default:
			// !fatal carries its reason as a bare word
			if kind == kindFatal {
				rep.Attrs["message"] = w
			}
		}
	}
	return rep, nil
}

// Result is the terminal outcome of a one-shot call: zero or more data
// replies followed by the attributes of the closing !done.
type Result struct {
	Replies []Reply
	Done    map[string]string
}
