package queue

import "github.com/DoNewsCode/core-drain/store"

// ChannelConfig describes the key names of each list and set of a queue,
// also known as channel.
type ChannelConfig struct {
	Pending   string
	Delayed   string
	InFlight  string
	Deadlines string
	Corrupt   string
}

// ChannelsOf resolves the channels of the named queue within keys.
func ChannelsOf(keys store.Keyspace, queueName string) ChannelConfig {
	return ChannelConfig{
		Pending:   keys.Pending(queueName),
		Delayed:   keys.Delayed(queueName),
		InFlight:  keys.InFlight(queueName),
		Deadlines: keys.InFlightDeadlines(queueName),
		Corrupt:   keys.Corrupt(queueName),
	}
}
