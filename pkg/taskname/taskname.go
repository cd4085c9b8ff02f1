package taskname

const (
	// Contribution tasks
	ContributionValuate = "contribution:valuate"

	// Network stats tasks
	NetworkStatsRebuild = "networkstats:rebuild"

	// Payout tasks
	PayoutBatchClose   = "payout:batch:close"
	PayoutBatchProcess = "payout:batch:process"
	PayoutReconcile    = "payout:reconcile"
	PayoutRetry        = "payout:retry"
)
