package config

// PostgresVersion names a PostgreSQL release that embedded-postgres can download
// for the dev server and the test harness.
type PostgresVersion string

const (
	V17_4 PostgresVersion = "17.4.0"
	V17_2 PostgresVersion = "17.2.0"

	V16_8 PostgresVersion = "16.8.0"
	V16_6 PostgresVersion = "16.6.0"
	V16_4 PostgresVersion = "16.4.0"

	V15_12 PostgresVersion = "15.12.0"
	V15_8  PostgresVersion = "15.8.0"

	// DefaultPostgresVersion is what the dev server and tests use unless told otherwise.
	DefaultPostgresVersion = V16_8
)
