package config

// ConfigBackend is where persisted settings live: UserDefaults on macOS,
// a JSON file under XDG_CONFIG_HOME elsewhere. Keys are the dotted names
// from specs.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
