package version

// Version is the voicelink release. Release builds set it with:
//
//	go build -ldflags="-X 'github.com/BioHazard786/voicelink/internal/version.Version=v1.0.0'"
var Version = "dev"
