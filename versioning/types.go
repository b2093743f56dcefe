package versioning

// Constants for versioning operations
const (
	// InitialChangelog is recorded on Version #1 of every template.
	InitialChangelog = "Initial version"

	// FirstVersionNumber is the number of the version created with a template.
	FirstVersionNumber = 1
)
