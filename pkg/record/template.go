package record

// NewFromRequest builds a fresh INIT record from a pull request, the way
// new_pull_record assembled a template: format/arch/os/remotetype default
// from config or the request, everything else (ACLs, tag, platform) copies
// from the request verbatim.
func NewFromRequest(platform, imageType, pulltag, remoteType, defaultFormat, arch, os string, userACL, groupACL []int32) *Record {
	format := defaultFormat
	return &Record{
		Platform:   platform,
		ImageType:  imageType,
		RemoteType: remoteType,
		Pulltag:    pulltag,
		Tag:        NewTagSet(),
		Format:     format,
		Arch:       arch,
		OS:         os,
		Status:     StatusInit,
		UserACL:    userACL,
		GroupACL:   groupACL,
	}
}
