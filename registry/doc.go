// Package registry manages unified agents next to legacy single-mode
// engines and migrates the latter.
//
// Migration rebuilds a legacy engine as a unified agent from its observable
// state: the module instances it was given, its resource table and its call
// stack. An engine with live frames or suspended calls cannot be migrated.
// The new agent is assembled completely before it replaces the engine, so a
// failed migration leaves the engine registered and unchanged.
//
//	r := registry.New()
//	defer r.Close()
//
//	id, _ := r.CreateAgent(registry.CreationOptions{
//		PreferredType:       registry.PreferLegacyComponent,
//		AllowLegacyFallback: true,
//	})
//	if _, err := r.MigrateAgent(ctx, id); err != nil {
//		// the legacy engine is still registered under id
//	}
package registry
