package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtrencseni/aiomemq/internal/client"
	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

// probeTopic is never published to; unsubscribing from it has no effect.
const probeTopic = "aiomemq.doctor"

// BrokerCheck connects to a running broker and exercises the protocol.
type BrokerCheck struct {
	addr string
}

// NewBrokerCheck creates a check against the broker listening on addr.
func NewBrokerCheck(addr string) *BrokerCheck {
	return &BrokerCheck{addr: addr}
}

func (c *BrokerCheck) Name() string {
	return "Broker"
}

func (c *BrokerCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	start := time.Now()
	cl, err := client.Dial(ctx, c.addr)
	if err != nil {
		result.Items = append(result.Items, CheckItem{
			Label:  "Reachable",
			Status: StatusFail,
			Detail: err.Error(),
		})
		return result
	}
	defer cl.Close()

	result.Items = append(result.Items, CheckItem{
		Label:  "Reachable",
		Status: StatusPass,
		Detail: c.addr,
	})

	if _, err := cl.Request(ctx, protocol.Unsubscribe{Topic: probeTopic}); err != nil {
		result.Items = append(result.Items, CheckItem{
			Label:  "Round trip",
			Status: StatusFail,
			Detail: err.Error(),
		})
		return result
	}
	result.Items = append(result.Items, CheckItem{
		Label:  "Round trip",
		Status: StatusPass,
		Detail: time.Since(start).Round(time.Microsecond).String(),
	})

	result.Items = append(result.Items, c.checkRejects(ctx, cl))
	_ = cl.Quit(ctx)

	return result
}

// checkRejects confirms the broker answers a malformed command with a
// failure instead of applying it.
func (c *BrokerCheck) checkRejects(ctx context.Context, cl *client.Client) CheckItem {
	item := CheckItem{Label: "Schema validation"}

	if err := cl.WriteLine(ctx, []byte(`{"command":"send","topic":"`+probeTopic+`"}`)); err != nil {
		item.Status = StatusFail
		item.Detail = err.Error()
		return item
	}

	f, err := cl.Next(ctx)
	switch {
	case err != nil:
		item.Status = StatusFail
		item.Detail = err.Error()
	case f.Reply == nil:
		item.Status = StatusFail
		item.Detail = fmt.Sprintf("unexpected frame %s", f.Raw)
	case f.Reply.Success || f.Reply.Reason != protocol.ReasonMalformed:
		item.Status = StatusWarn
		item.Detail = fmt.Sprintf("unexpected reply %s", f.Raw)
	default:
		item.Status = StatusPass
		item.Detail = "malformed command rejected"
	}
	return item
}

// WebSocketCheck performs a WebSocket handshake and one round trip.
type WebSocketCheck struct {
	url string
}

// NewWebSocketCheck creates a check against url. An empty url reports the
// transport as disabled.
func NewWebSocketCheck(url string) *WebSocketCheck {
	return &WebSocketCheck{url: url}
}

func (c *WebSocketCheck) Name() string {
	return "WebSocket"
}

func (c *WebSocketCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if c.url == "" {
		result.Items = append(result.Items, CheckItem{
			Label:  "Listener",
			Status: StatusPass,
			Detail: "disabled",
		})
		return result
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		result.Items = append(result.Items, CheckItem{
			Label:  "Handshake",
			Status: StatusFail,
			Detail: err.Error(),
		})
		return result
	}
	defer conn.Close()

	result.Items = append(result.Items, CheckItem{
		Label:  "Handshake",
		Status: StatusPass,
		Detail: c.url,
	})

	item := CheckItem{Label: "Round trip"}
	if err := wsRoundTrip(ctx, conn); err != nil {
		item.Status = StatusFail
		item.Detail = err.Error()
	} else {
		item.Status = StatusPass
	}
	result.Items = append(result.Items, item)

	return result
}

func wsRoundTrip(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	frame, err := protocol.Encode(protocol.Unsubscribe{Topic: probeTopic})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	f, err := client.DecodeFrame(data)
	if err != nil {
		return err
	}
	if f.Reply == nil || !f.Reply.Success {
		return errors.New("unexpected reply " + string(f.Raw))
	}
	return nil
}
