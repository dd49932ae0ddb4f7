package quartermaster

import "time"

const (
	// Environment variable to read the config path from.
	ConfigEnvVar = "QUARTERMASTER_CONFIG_PATH"

	// Environment variable overriding the global webhook signing secret.
	SecretEnvVar = "QUARTERMASTER_WEBHOOK_SECRET"

	// Default config file name assumed.
	defaultFilename = "quartermaster.yml"

	// Default host to serve from.
	defaultHost = "localhost"

	// Default request timeout.
	defaultRequestTimeout = 30 * time.Second

	// Default concurrency cap on simultaneously processing runs.
	defaultMaxConcurrent = 3

	// Default age past which a processing run is presumed abandoned.
	defaultStaleAge = 30 * time.Minute

	// Default interval between schedule sweeps.
	defaultSweepInterval = time.Minute

	// Default interval between worker dequeue polls.
	defaultPollInterval = 5 * time.Second

	// Default ceiling on a single pipeline run.
	defaultRunTimeout = 15 * time.Minute
)
