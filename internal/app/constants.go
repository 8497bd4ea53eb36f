package app

const (
	Name           = "chatsync"
	ConfigFilename = "config.json"
	DBFilename     = "app.db"
	LogFilename    = "app.log"

	// EnvDir points the whole app directory somewhere else, so a debug
	// session can run against a scratch cache without touching the real one.
	EnvDir = "CHATSYNC_DIR"
)
