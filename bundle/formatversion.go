package bundle

const (
	// BundleVersion is the version string written to the _bundle block of the
	// manifest. Readers of other tools key on this value.
	BundleVersion = "1.0"

	// CurrentFormatVersion is the current manifest format we write.
	// Version 2 added the format_version and large_payloads fields, before
	// this version an empty content field with a response_content.blob file
	// present indicated an externalized body.
	CurrentFormatVersion uint32 = 2

	// CompatFormatVersion is the oldest manifest version we can read.
	CompatFormatVersion uint32 = 1
)
