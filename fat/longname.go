package fat

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/dargueta/gofat/errors"
)

// maxLongNameSlots caps a long-name chain at 20 physical slots (20*13 = 260 >
// 255, the long-name maximum), per design notes §9 "Long-name coalescing".
const maxLongNameSlots = 20

// oemAllowedExtra is the set of punctuation bytes §4.3's 8.3 basis-name
// generation allows through unescaped, beyond letters and digits.
const oemAllowedExtra = "$%'-_@~`!(){}^#&"

func isOEMAllowed(r rune) bool {
	if r >= 'A' && r <= 'Z' {
		return true
	}
	if r >= '0' && r <= '9' {
		return true
	}
	return strings.ContainsRune(oemAllowedExtra, r)
}

// needsLongName reports whether name requires a long-name chain: characters
// outside the OEM allowed set, mixed case, or a primary component/extension
// too long for 8.3 (spec §4.3).
func needsLongName(name string) bool {
	base, ext, hasDot := splitNameExt(name)
	if len(base) == 0 {
		return true
	}
	if len(base) > 8 || len(ext) > 3 {
		return true
	}
	if hasDot && strings.Count(name, ".") > 1 {
		return true
	}
	for _, r := range name {
		if r == '.' {
			continue
		}
		upper := strings.ToUpper(string(r))
		if upper != string(r) {
			return true
		}
		if !isOEMAllowed(rune(upper[0])) {
			return true
		}
	}
	return false
}

// splitNameExt splits "name.ext" into its primary component and extension,
// using only the *last* period as the split point.
func splitNameExt(name string) (base string, ext string, hasDot bool) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, "", false
	}
	return name[:idx], name[idx+1:], true
}

// BuildBasisName computes the upper-cased, illegal-char-replaced 8.3 basis
// name for `name`: illegal characters are replaced with _, spaces are
// stripped, and leading periods are stripped while the last period marks
// the extension.
func BuildBasisName(name string) (nameField [8]byte, extField [3]byte, err error) {
	stripped := strings.TrimLeft(name, ".")
	stripped = strings.ReplaceAll(stripped, " ", "")
	if stripped == "" {
		return nameField, extField, errors.IllegalName.WithMessage("name has no usable characters")
	}

	base, ext, _ := splitNameExt(stripped)
	if base == "" {
		base = stripped
		ext = ""
	}

	base = sanitizeComponent(base, 8)
	ext = sanitizeComponent(ext, 3)

	for i := range nameField {
		nameField[i] = ' '
	}
	for i := range extField {
		extField[i] = ' '
	}
	copy(nameField[:], base)
	copy(extField[:], ext)
	return nameField, extField, nil
}

func sanitizeComponent(s string, maxLen int) string {
	upper := strings.ToUpper(s)
	var b strings.Builder
	for _, r := range upper {
		if isOEMAllowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

// GenerateNumericTail de-conflicts a basis name against the short names
// already present in a directory (`existing`, upper-cased 8+3 strings with
// no separator) by trying "~1".."~999999" in the primary component. Callers
// only invoke this when a long name is in play, and VFAT always stamps such
// entries with a numeric tail -- even when the basis name happens not to
// collide with anything -- so this unconditionally starts at "~1".
func GenerateNumericTail(nameField [8]byte, extField [3]byte, existing map[string]bool) ([8]byte, error) {
	base := strings.TrimRight(string(nameField[:]), " ")
	ext := strings.TrimRight(string(extField[:]), " ")

	for k := 1; k < 1000000; k++ {
		suffix := fmt.Sprintf("~%d", k)
		keep := 8 - len(suffix)
		if keep > len(base) {
			keep = len(base)
		}
		if keep < 0 {
			keep = 0
		}
		newBase := base[:keep] + suffix
		var field [8]byte
		for i := range field {
			field[i] = ' '
		}
		copy(field[:], newBase)

		key := string(field[:]) + ext
		if !existing[key] {
			return field, nil
		}
	}
	return nameField, errors.NameAlreadyExists.WithMessage(
		"exhausted numeric tail namespace for " + base,
	)
}

// EncodeLongNameChain converts a long name into its physical slots, written
// in reverse logical order (highest order number first), each carrying
// checksum(shortNameBytes).
func EncodeLongNameChain(name string, shortNameBytes [11]byte) ([]RawLongNameSlot, error) {
	units := utf16.Encode([]rune(name))
	numSlots := (len(units) + 12) / 13
	if numSlots == 0 {
		numSlots = 1
	}
	if numSlots > maxLongNameSlots {
		return nil, errors.IllegalName.WithMessage(
			fmt.Sprintf("name requires %d long-name slots, exceeds the cap of %d", numSlots, maxLongNameSlots),
		)
	}

	checksum := ShortNameChecksum(shortNameBytes)
	padded := make([]uint16, numSlots*13)
	for i := range padded {
		padded[i] = 0xFFFF
	}
	copy(padded, units)
	if len(units) < len(padded) {
		padded[len(units)] = 0x0000
	}

	slots := make([]RawLongNameSlot, numSlots)
	for i := 0; i < numSlots; i++ {
		order := uint8(i + 1)
		if i == numSlots-1 {
			order |= longNameLastSlotFlag
		}
		chunk := padded[i*13 : i*13+13]
		slot := RawLongNameSlot{
			Order:      order,
			Attributes: AttrLongName,
			Checksum:   checksum,
		}
		copy(slot.Name1[:], chunk[0:5])
		copy(slot.Name2[:], chunk[5:11])
		copy(slot.Name3[:], chunk[11:13])
		slots[i] = slot
	}

	// Physical (on-disk) order is highest-order-first: the chain is placed
	// immediately before the short-name slot, in reverse logical order.
	physical := make([]RawLongNameSlot, numSlots)
	for i, s := range slots {
		physical[numSlots-1-i] = s
	}
	return physical, nil
}

// DecodeLongNameChain reconstructs the logical long name from its physical
// slots, which callers must supply in on-disk order (highest order number
// first). It returns an error if the order numbers are not contiguous from N
// down to 1 with the end-of-set bit on the first slot.
func DecodeLongNameChain(physical []RawLongNameSlot) (string, error) {
	if len(physical) == 0 {
		return "", nil
	}
	if len(physical) > maxLongNameSlots {
		return "", errors.IllegalName.WithMessage("long-name chain exceeds the 20-slot cap")
	}

	n := len(physical)
	if physical[0].Order&longNameLastSlotFlag == 0 {
		return "", errors.InvalidValue.WithMessage("first physical long-name slot lacks the end-of-set bit")
	}
	for i, slot := range physical {
		expectedOrder := uint8(n - i)
		gotOrder := slot.Order &^ longNameLastSlotFlag
		if gotOrder != expectedOrder {
			return "", errors.InvalidValue.WithMessage(
				fmt.Sprintf("long-name order numbers not contiguous: slot %d has order %d, want %d", i, gotOrder, expectedOrder),
			)
		}
	}

	units := make([]uint16, 0, n*13)
	// Logical order is the reverse of physical order.
	for i := n - 1; i >= 0; i-- {
		slot := physical[i]
		units = append(units, slot.Name1[:]...)
		units = append(units, slot.Name2[:]...)
		units = append(units, slot.Name3[:]...)
	}

	end := len(units)
	for i, u := range units {
		if u == 0x0000 {
			end = i
			break
		}
	}
	return string(utf16.Decode(units[:end])), nil
}

// ShortNameFields formats the packed 8+3 byte fields back into a joined
// "NAME.EXT" display string, unescaping a leading kanji-E5 marker back to
// 0xE5.
func ShortNameFields(nameField [8]byte, extField [3]byte) string {
	name := strings.TrimRight(string(nameField[:]), " ")
	if len(name) > 0 && name[0] == kanjiE5Escape {
		name = string([]byte{deletedSlotMarker}) + name[1:]
	}
	ext := strings.TrimRight(string(extField[:]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// EscapeLeadingE5 returns the packed name-field bytes to write, substituting
// 0x05 for a genuine leading 0xE5 byte so it isn't mistaken for the
// deleted-slot marker (spec §3 "0x05 stands for initial-0xE5 in name").
func EscapeLeadingE5(nameField [8]byte) [8]byte {
	if nameField[0] == deletedSlotMarker {
		nameField[0] = kanjiE5Escape
	}
	return nameField
}
