package model

// FileVersion is the content of one file held by one replica.
// Version 0 means the file is absent.
type FileVersion struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

// Copy returns a detached copy of the file version
func (fv *FileVersion) Copy() *FileVersion {
	if fv == nil {
		return nil
	}
	c := *fv
	return &c
}

// VersionOf returns the version of fv, treating a missing file as version 0
func VersionOf(fv *FileVersion) uint64 {
	if fv == nil {
		return 0
	}
	return fv.Version
}

// CacheEntry represents a file cached on a client
type CacheEntry struct {
	Content string `json:"content"`
	Version uint64 `json:"version"`
	Valid   bool   `json:"valid"`
}
