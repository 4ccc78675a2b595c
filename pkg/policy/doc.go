// Package policy implements plan admission with Open Policy Agent.
//
// Every Rego module loaded into the Engine must define a deny set. Each
// entry is either a string or an object with a message and an optional
// severity. Entries with severity error or critical reject the plan; the
// rest are logged as warnings. The input document is:
//
//	{
//	  "plan":    {"shard": "1.moray", "split_count": 2, "server_list": [...]},
//	  "context": {"operation": "create_plan", "active_plans": 3,
//	              "limits": {"max_active_plans": 4}, "timestamp": "..."}
//	}
//
// Built-in policies reject duplicate servers and enforce the active plan
// limit. Operator policies are loaded from files with Engine.LoadPolicies
// and can be hot reloaded with Loader.Watch:
//
//	eng, err := policy.NewEngine(logger, policy.Limits{MaxActivePlans: 4})
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/reshard/policies"}); err != nil {
//	    return err
//	}
//	loader := policy.NewLoader(logger)
//	_ = loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, p)
//	})
package policy
