package projection

import (
	"sort"
	"time"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

// Current returns the latest version of a path.
func (p *Projection) Current(agentID, path string) (*FileVersion, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	v, ok := p.current[path]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no such path %s", path)
	}
	cp := *v
	return &cp, nil
}

// List returns every known path, sorted.
func (p *Projection) List(agentID string) ([]string, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	paths := make([]string, 0, len(p.current))
	for path := range p.current {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// History returns every version of a path in sequence order.
func (p *Projection) History(agentID, path string) ([]FileVersion, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	versions := p.history[path]
	if len(versions) == 0 {
		return nil, errs.New(errs.KindNotFound, "no history for %s", path)
	}
	out := make([]FileVersion, len(versions))
	for i, v := range versions {
		out[i] = *v
	}
	return out, nil
}

// AsOf returns the version of a path as it was at time t: the latest
// version whose event timestamp is not after t.
func (p *Projection) AsOf(agentID, path string, t time.Time) (*FileVersion, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	versions := p.history[path]
	var found *FileVersion
	for _, v := range versions {
		if v.Timestamp.After(t) {
			break
		}
		found = v
	}
	if found == nil {
		return nil, errs.New(errs.KindNotFound, "%s did not exist at %s", path, t.Format(time.RFC3339))
	}
	cp := *found
	return &cp, nil
}

// SnapshotFile returns the version of a path at a named snapshot: the
// latest version at or below the snapshot's sequence.
func (p *Projection) SnapshotFile(agentID, name, path string) (*FileVersion, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap, ok := p.snapshots[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no such snapshot %s", name)
	}
	var found *FileVersion
	for _, v := range p.history[path] {
		if v.Sequence > snap.Sequence {
			break
		}
		found = v
	}
	if found == nil {
		return nil, errs.New(errs.KindNotFound, "%s did not exist in snapshot %s", path, name)
	}
	cp := *found
	return &cp, nil
}

// Snapshots lists all snapshot markers, oldest first.
func (p *Projection) Snapshots(agentID string) ([]Snapshot, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Snapshot, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Annotations returns expert notes for a path in the order added.
func (p *Projection) Annotations(agentID, path string) ([]Annotation, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowRead); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	notes := p.annotations[path]
	out := make([]Annotation, len(notes))
	copy(out, notes)
	return out, nil
}

// AppliedSequence reports how far the projection has folded the log.
func (p *Projection) AppliedSequence() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.appliedSeq
}

// RecordFileModified appends a FILE_MODIFIED event on behalf of a
// builder agent. The projection itself picks the event up through its
// tail; the write path never touches the views directly.
func (p *Projection) RecordFileModified(agentID, path string, content []byte) (string, error) {
	if err := p.auth.Authorize(agentID, perms.FilesystemWrite); err != nil {
		return "", err
	}
	if path == "" {
		return "", errs.New(errs.KindInvalidPayload, "path is required")
	}
	data, err := eventlog.EncodePayload(fileModifiedPayload{Path: path, Content: content})
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidPayload, err, "encode file event")
	}
	id, _, err := p.log.Append(&eventlog.Event{
		Kind:        eventlog.KindFileModified,
		AggregateID: "project",
		Payload:     data,
	}, agentID)
	return id, err
}

// AddAnnotation appends an ANNOTATION_ADDED event. Experts may only
// write to the shadow view, never to the project itself.
func (p *Projection) AddAnnotation(agentID, path string, line int, message string) (string, error) {
	if err := p.auth.Authorize(agentID, perms.ShadowWrite); err != nil {
		return "", err
	}
	if path == "" || message == "" {
		return "", errs.New(errs.KindInvalidPayload, "path and message are required")
	}
	data, err := eventlog.EncodePayload(annotationPayload{Path: path, Line: line, Message: message})
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidPayload, err, "encode annotation")
	}
	id, _, err := p.log.Append(&eventlog.Event{
		Kind:        eventlog.KindAnnotationAdded,
		AggregateID: "project",
		Payload:     data,
	}, agentID)
	return id, err
}

// TakeSnapshot appends a SNAPSHOT_TAKEN marker under a unique name.
func (p *Projection) TakeSnapshot(agentID, name string) (string, error) {
	if err := p.auth.Authorize(agentID, perms.Admin); err != nil {
		return "", err
	}
	if name == "" {
		return "", errs.New(errs.KindInvalidPayload, "snapshot name is required")
	}
	p.mu.RLock()
	_, exists := p.snapshots[name]
	p.mu.RUnlock()
	if exists {
		return "", errs.New(errs.KindConflictState, "snapshot %s already exists", name)
	}
	data, err := eventlog.EncodePayload(snapshotPayload{Name: name})
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidPayload, err, "encode snapshot")
	}
	id, _, err := p.log.Append(&eventlog.Event{
		Kind:        eventlog.KindSnapshotTaken,
		AggregateID: "project",
		Payload:     data,
	}, agentID)
	return id, err
}
