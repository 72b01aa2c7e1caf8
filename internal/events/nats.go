package events

import (
	"github.com/nats-io/nats.go"
)

// Connect dials NATS; an empty url disables event publishing (returns nil, nil).
func Connect(url, token string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	opts := []nats.Option{
		nats.Name("peer-matchmaker"),
		nats.MaxReconnects(-1),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return nats.Connect(url, opts...)
}
