package redisstream

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// Settings holds the frame transport configuration. With Enabled false the
// transport is an in-process Watermill gochannel.
type Settings struct {
	Enabled  bool
	Addr     string
	Password string
	// Group is the consumer group this process reads room streams with.
	// Every gateway process needs its own group to see every frame.
	Group    string
	Consumer string
	// Buffer is the gochannel output buffer per subscriber.
	Buffer int64
}

// DefaultSettings names the group after this process, so gateways started
// with defaults each read every frame of a room stream.
func DefaultSettings() Settings {
	host := hostname()
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chatrelay-" + host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0],
		Consumer: host,
		Buffer:   256,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "gateway"
	}
	return h
}
