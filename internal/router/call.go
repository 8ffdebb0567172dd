package router

import (
	"math"

	"github.com/goccy/go-json"

	"github.com/1ureka/devlink/internal/broker"
)

// Call is one request in flight.
type Call struct {
	From broker.ClientID
	Cmd  string
	Args Args

	router    *Router
	broadcast bool
	replied   bool
}

// Router returns the router running the call.
func (c *Call) Router() *Router { return c.router }

// Reply sends {"ok":true,"cmd":...} merged with fields to the origin, or to
// every LAN client for broadcast commands from the LAN.
func (c *Call) Reply(fields map[string]any) error {
	resp := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		resp[k] = v
	}
	resp["ok"] = true
	resp["cmd"] = c.Cmd
	c.router.withType(resp)
	c.replied = true

	if c.broadcast && c.From.IsLAN() {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		_, err = c.router.Broadcast(broker.FrameText, data)
		return err
	}
	return c.router.SendJSON(c.From, resp)
}

// Fail sends an error reply with code and optional detail.
func (c *Call) Fail(code, detail string) {
	c.replied = true
	c.router.fail(c.From, c.Cmd, code, detail)
}

// Binary sends a binary frame to the origin.
func (c *Call) Binary(data []byte) error {
	return c.router.Send(c.From, broker.FrameBinary, data)
}

// Args is the decoded request object. Numbers arrive as float64.
type Args map[string]any

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Int returns key as an integer. ok is false when the key is missing or not
// an integral number.
func (a Args) Int(key string) (n int, ok bool) {
	f, isNum := a[key].(float64)
	if !isNum || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// IntOr returns key as an integer, or def when it is missing or invalid.
func (a Args) IntOr(key string, def int) int {
	if n, ok := a.Int(key); ok {
		return n
	}
	return def
}

// Int64Or is IntOr for offsets and sizes.
func (a Args) Int64Or(key string, def int64) int64 {
	f, ok := a[key].(float64)
	if !ok || f != math.Trunc(f) {
		return def
	}
	return int64(f)
}

func (a Args) StringOr(key, def string) string {
	if s, ok := a[key].(string); ok {
		return s
	}
	return def
}

func (a Args) BoolOr(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// Object returns key as a JSON object.
func (a Args) Object(key string) (map[string]any, bool) {
	m, ok := a[key].(map[string]any)
	return m, ok
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
