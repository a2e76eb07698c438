package registrycore

import "github.com/google/uuid"

// newGUID mints a 128-bit globally unique identifier, string-encoded, the
// way §3 requires for every entity and every event. Client code is free to
// assign its own GUIDs (the pipeline never rejects a caller-supplied one);
// this is used only where the engine must mint a GUID itself: follow-up
// events and unnamed group members produced by appliers, and audit entries
// written by the Command Pipeline.
func newGUID() string {
	return uuid.NewString()
}
