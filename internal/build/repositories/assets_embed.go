package repositories

import (
	_ "embed"
)

//go:embed assets/fstab
var embeddedFstab string

//go:embed assets/rc.conf.tmpl
var embeddedRCConf string
