// Package scheduler fires named jobs on cron or interval schedules.
//
// It is trigger-only: a job typically requests a goal rebuild and waits for
// it. A job still running when its next trigger fires is skipped.
package scheduler
