package chat

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-client/internal/naming"
	"go-chat-client/internal/realtime"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	// Buffered channel of outbound wire payloads.
	Send     chan []byte
	UserID   int
	Username string
}

// Inbound is a message a client typed, on its way to the hub. A non-empty
// Reject makes the hub answer with an error frame instead.
type Inbound struct {
	Client  *Client
	Message Message
	Reject  string
}

// ReadPump pumps frames from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.quit:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("❌ websocket read (user %d): %v", c.UserID, err)
			}
			return
		}

		frames, err := realtime.DecodeFrames(payload)
		if err != nil && !c.publish(&Inbound{Client: c, Reject: "malformed frame"}) {
			return
		}
		for _, frame := range frames {
			if frame.Type != realtime.FrameMessage {
				continue
			}
			in := &Inbound{Client: c}
			msg, err := decodeMessage(frame)
			if err != nil {
				in.Message = Message{RoomID: frame.RoomID, ClientID: frame.ClientID}
				in.Reject = "malformed message"
			} else {
				in.Message = msg
			}
			// PIPELINE: Socket -> ReadPump -> Hub.Publish
			if !c.publish(in) {
				return
			}
		}
	}
}

// WritePump pumps payloads from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush whatever else is queued in the same frame.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// publish hands in to the hub. It reports false once the hub has stopped.
func (c *Client) publish(in *Inbound) bool {
	select {
	case c.Hub.Publish <- in:
		return true
	case <-c.Hub.quit:
		return false
	}
}

// decodeMessage reads the message carried by a frame. Frame fields fill in
// what the body leaves out.
func decodeMessage(frame realtime.Frame) (Message, error) {
	var msg Message
	if len(frame.Message) > 0 {
		// Frames are decoded into internal key form; Message uses wire tags.
		wire, err := naming.ToWire(frame.Message)
		if err != nil {
			return Message{}, err
		}
		if err := json.Unmarshal(wire, &msg); err != nil {
			return Message{}, err
		}
	}
	if msg.RoomID == 0 {
		msg.RoomID = frame.RoomID
	}
	if msg.ClientID == "" {
		msg.ClientID = frame.ClientID
	}
	if msg.ID == 0 {
		msg.ID = frame.MessageID
	}
	return msg, nil
}
