package config

// StoragePoolConfig holds standalone storage connection pool
// configuration, for callers that configure pooling independently of
// DatabaseConfig (e.g. a supervisor process managing multiple Stores).
type StoragePoolConfig struct {
	DBMaxOpenConns    int `env:"TASKQUEUE_DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns    int `env:"TASKQUEUE_DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime int `env:"TASKQUEUE_DB_CONN_MAX_LIFETIME" default:"300"`
	DBConnMaxIdleTime int `env:"TASKQUEUE_DB_CONN_MAX_IDLE_TIME" default:"60"`
}
