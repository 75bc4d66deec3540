package signaling

import (
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshchat/internal/protocol"
)

// receiver reads relay frames and hands them to dispatch (private).
type receiver struct {
	conn     *websocket.Conn
	dispatch func(protocol.Frame)
}

// watch reads frames until the connection fails.
func (r *receiver) watch() error {
	for {
		var f protocol.Frame
		if err := r.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("failed to read relay frame: %w", err)
		}
		if f.Type == "" {
			continue
		}
		r.dispatch(f)
	}
}
