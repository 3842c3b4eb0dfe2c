package internal

import "time"

type Config struct {
	Host     string `env:"HOST,required=true"`
	Port     int    `env:"PORT,required=true"`
	LogLevel string `env:"LOG_LEVEL,required=true"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`

	// ReservationTimeout is the window a claimed key package stays exclusive
	// before the claim lapses back to the pool.
	ReservationTimeout time.Duration `env:"RESERVATION_TIMEOUT,required=true"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL,required=true"`

	// ConnectionBufferSize should be at least PendingQueueSize, otherwise a
	// full pending flush can shed a freshly connected client.
	ConnectionBufferSize int `env:"CONNECTION_BUFFER_SIZE,required=true"`
	PendingQueueSize     int `env:"PENDING_QUEUE_SIZE,required=true"`

	MetricInterval  time.Duration `env:"METRIC_INTERVAL,required=true"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,required=true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,required=true"`

	// JWTSecret is shared with the upstream identity service.
	JWTSecret         string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,required=true"`
}
