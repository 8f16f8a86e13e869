package build

import (
	"bytes"
	"fmt"
	"text/template"
)

// RenderRCConf renders the specification's rc.conf template.
func (s ReleaseSpecification) RenderRCConf(data RCConfData) (string, error) {
	tmpl, err := template.New("rc.conf").Option("missingkey=error").Parse(s.RCConf)
	if err != nil {
		return "", fmt.Errorf("parse rc.conf template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render rc.conf: %w", err)
	}
	return buf.String(), nil
}
