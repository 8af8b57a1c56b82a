package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, commit и дату сборки (заполняются через -ldflags).
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает только версию (для health endpoint'а).
func GetVersion() string { return version }

// String — строковое представление для логов и health endpoint'а.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}
