package idmap

import "fmt"

// Make combines the user-requested map, the caller's subordinate id
// allocations, and the caller's current id map into the text to be
// written into the target's [ug]id_map file.
//
// which is "uid" or "gid" and only flavors diagnostics. desired carries
// authoritative inner ids and caller-relative outer ids; when it is
// empty a default map is generated instead, pinning the caller's own id
// to inner id 0 and covering the subordinate allocations with the
// following inner ids. The result is projected through the caller's
// current map so its outer ids are absolute in the parent namespace.
func Make(which, subidPath, procMapPath string, id ID, desired Map) (string, error) {
	cur, err := LoadProcMap(procMapPath)
	if err != nil {
		return "", err
	}
	// The caller's own map should be well-formed, but we might as well
	// enforce that rather than blindly trust.
	cur, err = cur.Normalize(SortOuter, false)
	if err != nil {
		return "", fmt.Errorf("%s: %w", procMapPath, err)
	}

	subids, err := LoadSubIDs(subidPath, id)
	if err != nil {
		return "", err
	}
	subids, err = subids.Normalize(SortOuter, true)
	if err != nil {
		return "", fmt.Errorf("%s: %w", subidPath, err)
	}

	var result Map
	if !desired.IsEmpty() {
		want, err := desired.Normalize(SortOuter, true)
		if err != nil {
			return "", fmt.Errorf("desired %s map: %w", which, err)
		}
		// The caller's own id is mappable whether or not the file
		// delegates it.
		view, err := append(subids, Range{Inner: id.ID, Outer: id.ID, Length: 1}).Normalize(SortOuter, true)
		if err != nil {
			return "", fmt.Errorf("%s: %w", subidPath, err)
		}
		// view is an identity map, so projecting through it only
		// filters: surviving outer ids stay caller-relative.
		result = want.Project(view)

		nids := result.Count()
		wanted := want.Count()
		if nids == CountOverflow || wanted == CountOverflow {
			return "", fmt.Errorf("too many %ss to map", which)
		}
		if nids != wanted {
			return "", fmt.Errorf("cannot map desired %s map: some %ss are not in the %ss allowed in %s",
				which, which, which, subidPath)
		}
	} else {
		if result, err = Generate(subids, id); err != nil {
			return "", fmt.Errorf("generate %s map: %w", which, err)
		}
	}

	// Slice the result up according to the caller's current mappings so
	// the emitted outer ids are the ones the kernel resolves.
	result = result.Project(cur)

	text, err := result.Format()
	if err != nil {
		return "", fmt.Errorf("format %s map: %w", which, err)
	}
	return text, nil
}
