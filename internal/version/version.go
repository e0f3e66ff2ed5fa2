// Package version хранит сведения о сборке, заполняемые через -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info описывает сборку.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
}

// GetVersion возвращает сведения о текущей сборке.
func GetVersion() Info {
	return Info{
		Version:   version,
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", i.Version, i.Commit, i.Date, i.GoVersion)
}
