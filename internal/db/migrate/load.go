package migrate

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

// fileName matches "0001_create_entries.sql", "0002_logs.up.sql" and
// "0002_logs.down.sql".
var fileName = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_\-]+?)(\.up|\.down)?\.sql$`)

type migrationFiles struct {
	name            string
	plain, up, down string
	hasPlain, hasUp bool
	hasDown         bool
}

// LoadFS reads migrations from dir in fsys. A version is either a single
// NNNN_name.sql file (no down script) or a NNNN_name.up.sql and
// NNNN_name.down.sql pair. Versions must be contiguous from 1.
func LoadFS(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: read %s: %w", dir, err)
	}

	byVersion := make(map[int]*migrationFiles)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("migrate: %s: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", entry.Name(), err)
		}

		files := byVersion[version]
		if files == nil {
			files = &migrationFiles{name: match[2]}
			byVersion[version] = files
		} else if files.name != match[2] {
			return nil, fmt.Errorf("migrate: version %d has conflicting names %q and %q", version, files.name, match[2])
		}

		switch match[3] {
		case "":
			files.plain, files.hasPlain = string(body), true
		case ".up":
			files.up, files.hasUp = string(body), true
		case ".down":
			files.down, files.hasDown = string(body), true
		}
	}

	versions := make([]int, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	migrations := make([]Migration, 0, len(versions))
	for _, v := range versions {
		f := byVersion[v]
		m := Migration{Version: v, Name: f.name}
		switch {
		case f.hasPlain && !f.hasUp && !f.hasDown:
			m.Up = f.plain
		case !f.hasPlain && f.hasUp && f.hasDown:
			m.Up, m.Down = f.up, f.down
		default:
			return nil, fmt.Errorf("migrate: version %d needs either one .sql file or an .up.sql/.down.sql pair", v)
		}
		migrations = append(migrations, m)
	}

	if err := Validate(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}
