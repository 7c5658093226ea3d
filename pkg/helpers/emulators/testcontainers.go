package emulators

import (
	"google.golang.org/api/option"
)

// ImageContainer names the image and ports an emulator listens on.
type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

// GCImageContainer is an ImageContainer for a Google Cloud emulator.
type GCImageContainer struct {
	ImageContainer
	ProjectID string
}

// EmulatorConnection is where a started emulator can be reached. Google
// Cloud emulators also carry the client options to reach them.
type EmulatorConnection struct {
	EmulatorAddress string
	ClientOptions   []option.ClientOption
}
