package config

// AppConfig carries environment-level defaults; command-line flags override
// every one of them.
type AppConfig struct {
	TimeoutSec     int    `env:"HOARDY_MAIL_TIMEOUT" envDefault:"60"`
	StoreNumber    int    `env:"HOARDY_MAIL_STORE_NUMBER" envDefault:"150"`
	FetchNumber    int    `env:"HOARDY_MAIL_FETCH_NUMBER" envDefault:"150"`
	BatchNumber    int    `env:"HOARDY_MAIL_BATCH_NUMBER" envDefault:"150"`
	BatchSize      int    `env:"HOARDY_MAIL_BATCH_SIZE" envDefault:"4194304"`
	EveryAddRandom int    `env:"HOARDY_MAIL_EVERY_ADD_RANDOM" envDefault:"60"`
	NotifyHelper   string `env:"HOARDY_MAIL_NOTIFY_HELPER" envDefault:"notify-send"`
}
