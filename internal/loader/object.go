package loader

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/kyleseneker/ringtrace/internal/diag"
)

// CheckObject opens the ELF at path and checks that it can be a BPF object
// before the kernel sees it: 64-bit class, EM_BPF machine, at least one
// executable program section, a non-executable .maps section when present,
// and at least one symbol.
func CheckObject(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return diag.New(diag.PhaseLoad, err, 0, "the object is not a readable ELF file")
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return diag.New(diag.PhaseLoad,
			fmt.Errorf("expected ELFCLASS64, got %s", f.Class), 0,
			"rebuild the probe for the BPF target")
	}
	if f.Machine != elf.EM_BPF {
		return diag.New(diag.PhaseLoad,
			fmt.Errorf("expected machine %s, got %s", elf.EM_BPF, f.Machine), 0,
			"this is a host object; build bpf/trace_open with tinybpf")
	}

	hasCode := false
	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS {
			continue
		}
		if s.Name == ".maps" && s.Flags&elf.SHF_EXECINSTR != 0 {
			return diag.New(diag.PhaseLoad,
				errors.New(".maps section has executable flag"), 0,
				"map definitions must live in a data section")
		}
		if s.Flags&elf.SHF_EXECINSTR != 0 {
			hasCode = true
		}
	}
	if !hasCode {
		return diag.New(diag.PhaseLoad,
			errors.New("missing executable program section"), 0,
			"the object must contain at least one kprobe program")
	}

	syms, err := f.Symbols()
	if err == nil && len(syms) == 0 {
		return diag.New(diag.PhaseLoad,
			errors.New("object contains no symbols"), 0,
			"expected a global function symbol for the kprobe program")
	}
	return nil
}
