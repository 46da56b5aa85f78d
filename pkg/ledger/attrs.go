package ledger

// Identity attributes written by the fetcher for every unit.
const (
	AttrID        = "id"
	AttrAlgorithm = "algorithm"
	AttrDomain    = "domain"
	AttrProblem   = "problem"
	AttrSuite     = "suite"
	AttrSeed      = "seed"
)

// Execution attributes recorded by the run wrapper.
const (
	AttrUnitStatus     = "unit_status"
	AttrExitCode       = "exit_code"
	AttrWallTime       = "wall_time"
	AttrError          = "error"
	AttrErrorClass     = "error_class"
	AttrTimeLimit      = "time_limit"
	AttrMemoryLimit    = "memory_limit"
	AttrParseWarnings  = "parse_warnings"
	AttrParseError     = "parse_error"
	AttrSchedulerTries = "scheduler_attempts"
)

// Reward attributes produced by parsers and derived from their series.
const (
	AttrStepRewards   = "reward_step-all"
	AttrRoundRewards  = "round_reward-all"
	AttrRoundReward99 = "round_reward_99"
	AttrTotalReward   = "total_reward"
	AttrAverageReward = "average_reward"
	AttrNumRuns       = "num_runs"
	AttrTime          = "time"
	AttrIPCScore      = "ipc_score"
)
