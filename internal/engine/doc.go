// Package engine is the public facade of the in-app messaging core.
//
// An Engine owns one provider registry, one message cache over the host's
// storage, one lifecycle hub and, when a bus is configured, one analytics
// bridge. Nothing is process-global: two engines share no state.
//
// Typical use:
//
//	eng := engine.New(store, engine.WithBus(bus))
//	eng.AddPluggable(myProvider)
//	if _, err := eng.Configure(ctx, model.Config{"myProvider": ...}); err != nil { ... }
//	sub, _ := eng.OnMessagesReceived(func(ctx context.Context, msgs []model.Message) { ... })
//	defer sub.Remove()
//	_ = eng.SyncMessages(ctx)
package engine
