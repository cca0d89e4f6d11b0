package tui

// Color constants for the timekeep dashboard theme
const (
	ColorBorder        = "#3A3F55" // Grey-blue
	ColorPrimaryText   = "#E6EAF2" // Titles, event names
	ColorSecondaryText = "#B1B8C7" // Timestamps, metadata
	ColorDisabledText  = "#6D7383" // Disconnected state
	ColorHelpText      = "240"     // Dark grey for help text

	ColorAccentMain   = "#7C3AED" // Header, active borders
	ColorAccentBright = "#A78BFA" // Highlights

	ColorError   = "#EF4444" // Stream errors
	ColorSuccess = "#22C55E" // Connected, session_created
	ColorWarning = "#F59E0B" // Expiring requests, transfers
)
