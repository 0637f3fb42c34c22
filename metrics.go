// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx

const (
	MetricBeginTotal             = "begin_total"
	MetricCommitTotal            = "commit_total"
	MetricCommitSeconds          = "commit_duration_seconds"
	MetricRollbackTotal          = "rollback_total"
	MetricSavepointTotal         = "savepoint_total"
	MetricSavepointReleaseTotal  = "savepoint_release_total"
	MetricSavepointRollbackTotal = "savepoint_rollback_total"
	MetricNeedsRollbackTotal     = "needs_rollback_total"
	MetricHookRunTotal           = "hook_run_total"
	MetricHookErrorTotal         = "hook_error_total"
	MetricHookDiscardTotal       = "hook_discard_total"
	MetricBlockDepth             = "block_depth"
	MetricGarbageCollection      = "garbage_collection_total"
	MetricGoroutines             = "goroutines"
	MetricHeapAlloc              = "heap_alloc"
)
