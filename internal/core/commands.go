package core

import (
	"fmt"
	"path"
	"strings"
	"text/template"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

// Commands holds the remote command templates used by the named dispatcher
// operations. Templates see the fields of commandData.
type Commands struct {
	Deploy     string
	Start      string
	Stop       string
	Record     string
	StopRecord string
	Combine    string
	Count      string

	Workdir        string
	RecordingsDir  string
	CombinedName   string
	DownloadTarget string
}

type commandData struct {
	Workdir       string
	RecordingsDir string
	CombinedName  string
	Key           string
}

// CommandsFromConfig copies the command section of cfg.
func CommandsFromConfig(cfg prov.Config) Commands {
	c := cfg.Commands
	return Commands{
		Deploy:         c.Deploy,
		Start:          c.Start,
		Stop:           c.Stop,
		Record:         c.Record,
		StopRecord:     c.StopRecord,
		Combine:        c.Combine,
		Count:          c.Count,
		Workdir:        c.Workdir,
		RecordingsDir:  c.RecordingsDir,
		CombinedName:   c.CombinedName,
		DownloadTarget: c.DownloadTarget,
	}
}

func (c Commands) render(name, text, key string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s command: %w", name, err)
	}
	var b strings.Builder
	data := commandData{Workdir: c.Workdir, RecordingsDir: c.RecordingsDir, CombinedName: c.CombinedName, Key: key}
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s command: %w", name, err)
	}
	return b.String(), nil
}

// CombinedPath is where CombineRecordings leaves the merged capture, relative
// to the login directory.
func (c Commands) CombinedPath() string {
	return path.Join(c.Workdir, c.RecordingsDir, c.CombinedName)
}
