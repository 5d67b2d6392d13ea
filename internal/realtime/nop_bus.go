package realtime

import "context"

// NopBus satisfies Bus for single-instance deployments without redis.
type NopBus struct{}

func (NopBus) Publish(context.Context, Event) error                 { return nil }
func (NopBus) StartForwarder(context.Context, func(ev Event)) error { return nil }
func (NopBus) Close() error                                         { return nil }
