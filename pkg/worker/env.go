package worker

// Allowlist is the fixed set of environment variables copied into the worker
// container when they are set. It covers the backup tool's repository and
// cache settings and the credentials of each supported storage backend.
var Allowlist = []string{
	"RESTIC_REPOSITORY_FILE",
	"RESTIC_REPOSITORY",
	"RESTIC_PASSWORD_FILE",
	"RESTIC_PASSWORD",
	"RESTIC_PASSWORD_COMMAND",
	"RESTIC_KEY_HINT",
	"RESTIC_CACHE_DIR",
	"RESTIC_PROGRESS_FPS",

	"TMPDIR",

	// S3-compatible
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_DEFAULT_REGION",
	"AWS_PROFILE",
	"AWS_SHARED_CREDENTIALS_FILE",

	// OpenStack Swift, keystone v1
	"ST_AUTH",
	"ST_USER",
	"ST_KEY",

	// OpenStack Swift, keystone v2/v3
	"OS_AUTH_URL",
	"OS_REGION_NAME",
	"OS_USERNAME",
	"OS_USER_ID",
	"OS_PASSWORD",
	"OS_TENANT_ID",
	"OS_TENANT_NAME",
	"OS_USER_DOMAIN_NAME",
	"OS_USER_DOMAIN_ID",
	"OS_PROJECT_NAME",
	"OS_PROJECT_DOMAIN_NAME",
	"OS_PROJECT_DOMAIN_ID",
	"OS_TRUST_ID",
	"OS_APPLICATION_CREDENTIAL_ID",
	"OS_APPLICATION_CREDENTIAL_NAME",
	"OS_APPLICATION_CREDENTIAL_SECRET",
	"OS_STORAGE_URL",
	"OS_AUTH_TOKEN",

	"B2_ACCOUNT_ID",
	"B2_ACCOUNT_KEY",

	"AZURE_ACCOUNT_NAME",
	"AZURE_ACCOUNT_KEY",

	"GOOGLE_PROJECT_ID",
	"GOOGLE_APPLICATION_CREDENTIALS",

	"RCLONE_BWLIMIT",
}

// LookupFunc reads one environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// MapLookup returns a LookupFunc over a fixed map.
func MapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// FilterEnv returns KEY=value pairs for every allowlisted variable that is set.
func FilterEnv(lookup LookupFunc) []string {
	var env []string
	if lookup == nil {
		return env
	}
	for _, key := range Allowlist {
		if v, ok := lookup(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
