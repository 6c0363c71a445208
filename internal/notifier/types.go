package notifier

import "time"

// Config controls the delivery pipeline. Zero values take defaults.
type Config struct {
	Workers    int           // default 1, which keeps digests in flush order
	QueueSize  int           // default 256
	RatePerSec int           // default 1
	Timeout    time.Duration // per send, default 10s
}

// Channel labels.
const (
	ChannelDigest = "digest"
	ChannelAlert  = "alert"
)

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Driver  string    `json:"driver"`
	Bytes   int       `json:"bytes"`
	Error   string    `json:"error,omitempty"`
}

// DeliveryEvent is the payload of eventbus.DeliverySent and eventbus.DeliveryFailed.
type DeliveryEvent struct {
	Channel  string        `json:"channel"`
	Driver   string        `json:"driver"`
	TargetID string        `json:"target_id,omitempty"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}
