package wire

// Connect is the first frame a client sends after opening a connection.
type Connect struct {
	ClientVersion   string `msgpack:"client_version"`
	ProtocolVersion int32  `msgpack:"protocol_version"`
	AuthMethod      string `msgpack:"auth_method,omitempty"`
	AuthData        []byte `msgpack:"auth_data,omitempty"`
}

// Connected acknowledges a Connect, reporting the broker's protocol
// version.
type Connected struct {
	ServerVersion   string `msgpack:"server_version"`
	ProtocolVersion int32  `msgpack:"protocol_version"`
}

// Lookup asks for the owner of a topic's bundle.
type Lookup struct {
	RequestID     uint64 `msgpack:"request_id"`
	Topic         string `msgpack:"topic"`
	Authoritative bool   `msgpack:"authoritative"`
}

// LookupType distinguishes a direct connect answer from a redirect.
type LookupType int32

const (
	LookupConnect LookupType = iota
	LookupRedirect
	LookupFailed
)

// LookupResponse answers a Lookup.
type LookupResponse struct {
	RequestID     uint64     `msgpack:"request_id"`
	Type          LookupType `msgpack:"type"`
	BrokerAddress string     `msgpack:"broker_address,omitempty"`
	Authoritative bool       `msgpack:"authoritative"`
	ErrorKind     string     `msgpack:"error_kind,omitempty"`
	ErrorMessage  string     `msgpack:"error_message,omitempty"`
}

// PartitionedTopicMetadata asks how many partitions a topic has.
type PartitionedTopicMetadata struct {
	RequestID uint64 `msgpack:"request_id"`
	Topic     string `msgpack:"topic"`
}

// PartitionedTopicMetadataResponse answers PartitionedTopicMetadata; zero
// partitions means the topic is non-partitioned.
type PartitionedTopicMetadataResponse struct {
	RequestID  uint64 `msgpack:"request_id"`
	Partitions int32  `msgpack:"partitions"`
}

// Producer registers a new producer on a topic.
type Producer struct {
	RequestID    uint64 `msgpack:"request_id"`
	ProducerID   uint64 `msgpack:"producer_id"`
	Topic        string `msgpack:"topic"`
	ProducerName string `msgpack:"producer_name,omitempty"`
}

// ProducerSuccess acknowledges a Producer registration.
type ProducerSuccess struct {
	RequestID         uint64 `msgpack:"request_id"`
	ProducerName      string `msgpack:"producer_name"`
	LastSequenceID    int64  `msgpack:"last_sequence_id"`
}

// Send carries one batch of messages; the serialized messages themselves
// travel as the frame's trailing Payload.
type Send struct {
	ProducerID     uint64 `msgpack:"producer_id"`
	SequenceID     int64  `msgpack:"sequence_id"`
	NumMessages    int32  `msgpack:"num_messages"`
	HighestSeqID   int64  `msgpack:"highest_sequence_id,omitempty"`
}

// SendReceipt acknowledges a Send.
type SendReceipt struct {
	ProducerID uint64 `msgpack:"producer_id"`
	SequenceID int64  `msgpack:"sequence_id"`
	MessageID  string `msgpack:"message_id"`
}

// SendError reports that a Send could not be persisted.
type SendError struct {
	ProducerID uint64 `msgpack:"producer_id"`
	SequenceID int64  `msgpack:"sequence_id"`
	ErrorKind  string `msgpack:"error_kind"`
	Message    string `msgpack:"message"`
}

// SubscriptionType controls fan-out across a subscription's consumers.
type SubscriptionType int32

const (
	SubscriptionExclusive SubscriptionType = iota
	SubscriptionShared
	SubscriptionFailover
)

// Subscribe registers a new consumer on a topic subscription.
type Subscribe struct {
	RequestID        uint64           `msgpack:"request_id"`
	ConsumerID       uint64           `msgpack:"consumer_id"`
	Topic            string           `msgpack:"topic"`
	Subscription     string           `msgpack:"subscription"`
	Type             SubscriptionType `msgpack:"type"`
	ConsumerName     string           `msgpack:"consumer_name,omitempty"`
	InitialPosition  string           `msgpack:"initial_position,omitempty"`
}

// Success acknowledges a request that carries no response payload beyond
// confirmation (e.g. Subscribe, Ack, CloseProducer, CloseConsumer).
type Success struct {
	RequestID uint64 `msgpack:"request_id"`
}

// Flow grants the broker permission to push up to Permits additional
// messages to a consumer.
type Flow struct {
	ConsumerID uint64 `msgpack:"consumer_id"`
	Permits    int32  `msgpack:"permits"`
}

// Message delivers one message (or, when NumMessages > 1, one batch) to
// a consumer; the body/batch travels as the frame's trailing Payload.
type Message struct {
	ConsumerID      uint64            `msgpack:"consumer_id"`
	MessageID       string            `msgpack:"message_id"`
	RedeliveryCount int32             `msgpack:"redelivery_count,omitempty"`
	Properties      map[string]string `msgpack:"properties,omitempty"`
	EventTime       int64             `msgpack:"event_time,omitempty"`
	Checksum        uint32            `msgpack:"checksum"`
	// NumMessages is the number of length-prefixed sub-entries packed
	// into Payload by the producer's batching layer; 0 and 1 both mean
	// "one plain, unbatched message."
	NumMessages int32 `msgpack:"num_messages,omitempty"`
}

// AckType distinguishes acknowledging one message from cumulatively
// acknowledging every message up to and including it.
type AckType int32

const (
	AckIndividual AckType = iota
	AckCumulative
)

// Ack acknowledges one or more delivered messages.
type Ack struct {
	ConsumerID uint64   `msgpack:"consumer_id"`
	Type       AckType  `msgpack:"type"`
	MessageIDs []string `msgpack:"message_ids"`
}

// RedeliverUnacknowledged asks the broker to resend specific unacked
// messages (or, if MessageIDs is empty, every currently unacked message
// for this consumer).
type RedeliverUnacknowledged struct {
	ConsumerID uint64   `msgpack:"consumer_id"`
	MessageIDs []string `msgpack:"message_ids,omitempty"`
}

// CloseProducer tells the broker a producer is shutting down.
type CloseProducer struct {
	RequestID  uint64 `msgpack:"request_id"`
	ProducerID uint64 `msgpack:"producer_id"`
}

// CloseConsumer tells the broker a consumer is shutting down.
type CloseConsumer struct {
	RequestID  uint64 `msgpack:"request_id"`
	ConsumerID uint64 `msgpack:"consumer_id"`
}

// Error reports a request-scoped failure, tagged with the errs.Kind that
// produced it so the client can decide whether to retry.
type Error struct {
	RequestID uint64 `msgpack:"request_id"`
	Kind      string `msgpack:"kind"`
	Message   string `msgpack:"message"`
}

// ReachedEndOfTopic notifies a consumer that its topic is terminated and
// no further messages will ever be delivered.
type ReachedEndOfTopic struct {
	ConsumerID uint64 `msgpack:"consumer_id"`
}
