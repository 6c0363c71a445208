// Package scheduler runs cellwatch's periodic jobs (session refresh, backups).
//
// A job is a named function bound to a schedule string. Triggers that arrive
// while the previous run of the same job is still going are skipped, so a slow
// export never stacks up behind itself.
package scheduler
