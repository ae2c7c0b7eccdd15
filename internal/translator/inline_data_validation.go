package translator

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// acceptedInlineMimeTypes are the image MIME types the upstream accepts
// for inlineData parts (spec §4.6): requests in the native shape pass
// through unmodified except for this one check.
var acceptedInlineMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// ValidateNativeInlineData walks a native-shape generateContent request
// and reports the first inlineData part whose mimeType isn't one of the
// accepted image types. A native request needs no other translation, so
// this is the only check the dispatch pipeline runs on the FormatNative
// passthrough path before handing the body to the upstream.
func ValidateNativeInlineData(rawJSON []byte) error {
	var firstErr error
	contents := gjson.GetBytes(rawJSON, "contents")
	for _, content := range contents.Array() {
		for _, part := range content.Get("parts").Array() {
			inline := part.Get("inlineData")
			if !inline.Exists() {
				continue
			}
			mime := inline.Get("mimeType").String()
			if !acceptedInlineMimeTypes[mime] {
				firstErr = fmt.Errorf("unsupported inline_data mime type %q", mime)
				return firstErr
			}
		}
	}
	return firstErr
}
