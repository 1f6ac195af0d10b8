package catalog

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"go.uber.org/zap"
)

// atlasConfigHCL picks the migration directory out of an atlas.hcl project
// file. Everything else in the file is left undecoded.
type atlasConfigHCL struct {
	Envs   []*atlasEnvHCL `hcl:"env,block"`
	Remain hcl.Body       `hcl:",remain"`
}

type atlasEnvHCL struct {
	Name      string             `hcl:"name,label"`
	Migration *atlasMigrationHCL `hcl:"migration,block"`
	Remain    hcl.Body           `hcl:",remain"`
}

type atlasMigrationHCL struct {
	Dir    string   `hcl:"dir"`
	Remain hcl.Body `hcl:",remain"`
}

// DirFromAtlasHCL reads an atlas.hcl project file and returns the absolute
// migration directory of env. When env is empty, "local" is tried first and
// then the first env block that names a directory. A relative dir (with or
// without the file:// scheme) is resolved against the file's directory.
func DirFromAtlasHCL(path, env string, logger *zap.Logger) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to determine absolute path for atlas HCL file %q: %w", path, err)
	}

	var conf atlasConfigHCL
	if err := hclsimple.DecodeFile(absPath, nil, &conf); err != nil {
		return "", fmt.Errorf("failed to decode atlas HCL file %q: %w", absPath, err)
	}

	dir, envName, ok := findMigrationDir(&conf, env)
	if !ok {
		if env != "" {
			return "", fmt.Errorf("atlas HCL file %q has no env %q with a migration dir", absPath, env)
		}
		return "", fmt.Errorf("atlas HCL file %q does not define env.migration.dir", absPath)
	}

	rel := strings.TrimPrefix(dir, "file://")
	if !filepath.IsAbs(rel) {
		rel = filepath.Join(filepath.Dir(absPath), rel)
	}
	logger.Debug("Resolved migration directory from atlas config",
		zap.String("hcl_path", absPath), zap.String("env", envName), zap.String("dir", rel))
	return filepath.Clean(rel), nil
}

func findMigrationDir(conf *atlasConfigHCL, want string) (dir, envName string, found bool) {
	hasDir := func(e *atlasEnvHCL) bool { return e.Migration != nil && e.Migration.Dir != "" }

	if want != "" {
		for _, e := range conf.Envs {
			if e.Name == want && hasDir(e) {
				return e.Migration.Dir, e.Name, true
			}
		}
		return "", "", false
	}
	for _, e := range conf.Envs {
		if e.Name == "local" && hasDir(e) {
			return e.Migration.Dir, e.Name, true
		}
	}
	for _, e := range conf.Envs {
		if hasDir(e) {
			return e.Migration.Dir, e.Name, true
		}
	}
	return "", "", false
}
