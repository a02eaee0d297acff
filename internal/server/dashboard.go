package server

import _ "embed"

//go:embed web/dashboard.html
var dashboardHTML []byte
