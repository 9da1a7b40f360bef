package backend

import (
	"encoding/json"
	"io"
	"os"
	"slices"

	"k8s.io/klog/v2"
)

// Checkpoint format: "<path>.json" holds the metadata below, "<path>.bin" holds the
// variables' flat data concatenated in metadata order as little-endian raw bytes.
const (
	checkpointMetadataSuffix = ".json"
	checkpointDataSuffix     = ".bin"

	checkpointVersion = 1
)

type checkpointMetadata struct {
	Version   int                  `json:"version"`
	Variables []checkpointVariable `json:"variables"`
}

type checkpointVariable struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Dims   []int  `json:"dims"`
	Offset int64  `json:"offset"`
}

// SaveCheckpoint persists the session's variables under the given path prefix.
func (s *Session) SaveCheckpoint(path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.net == nil {
		return errorf("session has no constructed graph to checkpoint")
	}
	metadata := checkpointMetadata{Version: checkpointVersion}
	var offset int64
	for _, name := range sortedVarNames(s.variables) {
		v := s.variables[name]
		metadata.Variables = append(metadata.Variables, checkpointVariable{
			Name:   name,
			DType:  v.DType().String(),
			Dims:   slices.Clone(v.Shape().Dimensions),
			Offset: offset,
		})
		offset += int64(v.Shape().Memory())
	}
	encoded, err := json.MarshalIndent(metadata, "", "\t")
	if err != nil {
		return wrapf(err, "encoding checkpoint metadata")
	}
	if err := os.WriteFile(path+checkpointMetadataSuffix, encoded, 0o644); err != nil {
		return wrapf(err, "writing checkpoint metadata")
	}
	data, err := os.Create(path + checkpointDataSuffix)
	if err != nil {
		return wrapf(err, "creating checkpoint data file")
	}
	defer data.Close()
	for _, entry := range metadata.Variables {
		if err := s.variables[entry.Name].WriteFlat(data); err != nil {
			return wrapf(err, "writing checkpoint variable %q", entry.Name)
		}
	}
	if err := data.Close(); err != nil {
		return wrapf(err, "closing checkpoint data file")
	}
	klog.V(1).Infof("backend: saved checkpoint %q with %d variables (%d bytes)",
		path, len(metadata.Variables), offset)
	return nil
}

// LoadCheckpoint restores the variables of the constructed graph from a checkpoint
// written by SaveCheckpoint. Every checkpoint variable must exist in the graph with
// the same dtype and dimensions.
func (s *Session) LoadCheckpoint(path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.net == nil {
		return errorf("construct the graph before loading a checkpoint")
	}
	encoded, err := os.ReadFile(path + checkpointMetadataSuffix)
	if err != nil {
		return wrapf(err, "reading checkpoint metadata")
	}
	var metadata checkpointMetadata
	if err := json.Unmarshal(encoded, &metadata); err != nil {
		return wrapf(err, "decoding checkpoint metadata")
	}
	if metadata.Version != checkpointVersion {
		return errorf("checkpoint %q has version %d, this build reads version %d",
			path, metadata.Version, checkpointVersion)
	}
	data, err := os.Open(path + checkpointDataSuffix)
	if err != nil {
		return wrapf(err, "opening checkpoint data file")
	}
	defer data.Close()
	for _, entry := range metadata.Variables {
		v, found := s.variables[entry.Name]
		if !found {
			return errorf("checkpoint variable %q has no counterpart in the constructed graph", entry.Name)
		}
		if v.DType().String() != entry.DType || !slices.Equal(v.Shape().Dimensions, entry.Dims) {
			return errorf("checkpoint variable %q is %s%v, graph variable is %s",
				entry.Name, entry.DType, entry.Dims, v.Shape())
		}
		if _, err := data.Seek(entry.Offset, io.SeekStart); err != nil {
			return wrapf(err, "seeking checkpoint variable %q", entry.Name)
		}
		if err := v.ReadFlat(data); err != nil {
			return wrapf(err, "reading checkpoint variable %q", entry.Name)
		}
	}
	klog.V(1).Infof("backend: loaded checkpoint %q with %d variables", path, len(metadata.Variables))
	return nil
}
