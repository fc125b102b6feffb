package vollock

import _ "embed"

// LogoIconData is the tray icon shown next to the clock.
//
//go:embed assets/icon.ico
var LogoIconData []byte
