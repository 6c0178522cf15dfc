package natsbus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn *nats.Conn
}

func NewClient(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("hivemind"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}

// EventSubject is the subject an event is mirrored to:
// <prefix>.<swarmID>.<eventType>. Characters NATS reserves in tokens are
// replaced with '_'.
func EventSubject(prefix, swarmID, eventType string) string {
	if swarmID == "" {
		swarmID = "global"
	}
	return prefix + "." + token(swarmID) + "." + token(eventType)
}

// SwarmWildcard subscribes to every event of one swarm.
func SwarmWildcard(prefix, swarmID string) string {
	return prefix + "." + token(swarmID) + ".>"
}

func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
