package artifacts

import "testing"

func TestFileURIRoundTrip(t *testing.T) {
	t.Parallel()

	uri := FileURI("/srv/images/debian 12.qcow2")
	if uri != "file:///srv/images/debian%2012.qcow2" {
		t.Fatalf("FileURI() = %q", uri)
	}

	path, err := PathFromURI(uri)
	if err != nil {
		t.Fatalf("PathFromURI() error = %v", err)
	}
	if path != "/srv/images/debian 12.qcow2" {
		t.Fatalf("PathFromURI() = %q", path)
	}
}

func TestPathFromURIRejectsOtherSchemes(t *testing.T) {
	t.Parallel()

	if _, err := PathFromURI("https://example.com/disk.raw"); err == nil {
		t.Fatal("PathFromURI() expected error for https URI")
	}
}

func TestContentTypeForFormat(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"qcow2":   "application/x-qemu-disk",
		"VMDK":    "application/x-vmdk",
		"raw":     "application/octet-stream",
		"unknown": "application/octet-stream",
	}
	for format, want := range tests {
		if got := ContentTypeForFormat(format); got != want {
			t.Errorf("ContentTypeForFormat(%q) = %q, want %q", format, got, want)
		}
	}
}
