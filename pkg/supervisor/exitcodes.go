package supervisor

// Exit codes of the afd front-end.
const (
	ExitSuccess             = 0
	ExitAFDIsActive         = 5
	ExitAFDDisabledBySysadm = 6
	ExitAFDIsNotActive      = 7
	ExitNotOnCorrectHost    = 8
	ExitAFDNotResponding    = 9
	ExitNoDirConfig         = 10
)
