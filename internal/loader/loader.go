// Package loader loads a compiled BPF object into the kernel, attaches its
// kprobe program to a kernel symbol and exposes the events ring buffer map.
package loader

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// DefaultEventsMap is the ring buffer map name the probe writes to.
const DefaultEventsMap = "events"

// ErrNoProgram is returned when the object has no usable program.
var ErrNoProgram = errors.New("no kprobe program in object")

// Options selects what to attach.
type Options struct {
	// Object is the path to the BPF ELF object.
	Object string
	// Symbol is the kernel function the kprobe attaches to.
	Symbol string
	// Program names the program in the object. Empty picks the first
	// kprobe program by name.
	Program string
	// EventsMap names the ring buffer map. Empty means DefaultEventsMap.
	EventsMap string
}

// Loaded holds the resources obtained after a successful load and attach.
type Loaded struct {
	Objects   *ebpf.Collection
	Program   *ebpf.Program
	Link      link.Link
	EventsMap *ebpf.Map
}

// LoadAndAttach loads the collection at opts.Object, attaches the kprobe to
// opts.Symbol and returns a handle to the loaded resources.
func LoadAndAttach(opts Options) (*Loaded, error) {
	if opts.Object == "" {
		return nil, errors.New("object path is required")
	}
	if opts.Symbol == "" {
		return nil, errors.New("kernel symbol is required")
	}
	if opts.EventsMap == "" {
		opts.EventsMap = DefaultEventsMap
	}
	if err := CheckObject(opts.Object); err != nil {
		return nil, err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.Object)
	if err != nil {
		return nil, fmt.Errorf("load collection spec: %w", err)
	}
	name, err := selectProgram(spec, opts.Program)
	if err != nil {
		return nil, err
	}
	if err := checkEventsMap(spec, opts.EventsMap); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("new collection: %w", err)
	}

	prog := coll.Programs[name]

	kp, err := link.Kprobe(opts.Symbol, prog, nil)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attach kprobe/%s: %w", opts.Symbol, err)
	}

	return &Loaded{
		Objects:   coll,
		Program:   prog,
		Link:      kp,
		EventsMap: coll.Maps[opts.EventsMap],
	}, nil
}

// Close detaches the kprobe and releases all kernel resources.
func (l *Loaded) Close() {
	if l == nil {
		return
	}
	if l.Link != nil {
		_ = l.Link.Close()
	}
	if l.Objects != nil {
		l.Objects.Close()
	}
}

// selectProgram returns the name of the program to attach. Map iteration
// order is random, so the first kprobe is chosen by name.
func selectProgram(spec *ebpf.CollectionSpec, want string) (string, error) {
	if want != "" {
		ps, ok := spec.Programs[want]
		if !ok {
			return "", fmt.Errorf("program %q not found in object", want)
		}
		if ps.Type != ebpf.Kprobe {
			return "", fmt.Errorf("program %q has type %s, want %s", want, ps.Type, ebpf.Kprobe)
		}
		return want, nil
	}
	names := make([]string, 0, len(spec.Programs))
	for name, ps := range spec.Programs {
		if ps.Type == ebpf.Kprobe {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", ErrNoProgram
	}
	sort.Strings(names)
	return names[0], nil
}

func checkEventsMap(spec *ebpf.CollectionSpec, name string) error {
	ms, ok := spec.Maps[name]
	if !ok {
		return fmt.Errorf("ring buffer map %q not found in object", name)
	}
	if ms.Type != ebpf.RingBuf {
		return fmt.Errorf("map %q has type %s, want %s", name, ms.Type, ebpf.RingBuf)
	}
	return nil
}
