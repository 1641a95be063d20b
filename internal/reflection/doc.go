// Package reflection holds the post-incident note model consumed by the
// insight engine.
//
// A Reflection records one contributor's account of a pain point: what hurt,
// which domain and team it touched, and an optional self-reported severity.
// Validate enforces the field limits and Service stores new reflections and
// runs registered hooks, which is how the insight manager ingests them.
//
// # Usage
//
//	svc := reflection.NewService(store, logger)
//	svc.RegisterHook(func(ctx context.Context, r *reflection.Reflection) error {
//		_, err := manager.Ingest(ctx, r)
//		return err
//	})
//	r, err := svc.Create(ctx, &reflection.Reflection{...})
//
// Hook failures are logged and do not fail Create; Replay re-runs the hooks
// for a stored reflection.
package reflection
