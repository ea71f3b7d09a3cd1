package cli

import (
	"bytes"
	"fmt"
	"go/format"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/spf13/cobra"
)

const versionLayout = "20060102150405"

type createOptions struct {
	dir string
	now func() time.Time
}

func newCreateCmd() *cobra.Command {
	o := &createOptions{now: time.Now}

	cmd := &cobra.Command{
		Use:   "create [migration_name]",
		Short: "Create a new migration file",
		Long: `Create a new migration file named after the current UTC timestamp.
The generated constructor still has to be added to the migrations catalog.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := o.run(args[0])
			if err != nil {
				return err
			}
			printNextSteps(cmd.OutOrStdout(), path, funcName(args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&o.dir, "dir", "migrations", "Directory to write the migration to")
	return cmd
}

type migrationFile struct {
	Package     string
	Version     string
	Description string
	FuncName    string
}

func (o *createOptions) run(name string) (string, error) {
	name = strings.TrimSpace(name)
	fn := funcName(name)
	if fn == "" {
		return "", fmt.Errorf("migration name %q has no letters or digits", name)
	}

	version := o.now().UTC().Format(versionLayout)
	fileName := fmt.Sprintf("%s_%s.go", version, snakeName(name))

	if err := os.MkdirAll(o.dir, 0o750); err != nil {
		slog.Error("Failed to create migrations directory", "path", o.dir, "error", err)
		return "", err
	}

	targetPath := filepath.Join(o.dir, fileName)
	if _, err := os.Stat(targetPath); err == nil {
		return "", fmt.Errorf("migration file already exists: %s", targetPath)
	}

	src, err := renderMigration(migrationFile{
		Package:     packageName(o.dir),
		Version:     version,
		Description: name,
		FuncName:    fn,
	})
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(targetPath, src, 0o600); err != nil {
		slog.Error("Failed to write migration file", "file", targetPath, "error", err)
		return "", err
	}

	slog.Info("Created migration file", "path", targetPath, "version", version)
	return targetPath, nil
}

func renderMigration(data migrationFile) ([]byte, error) {
	tmpl, err := template.New("migration").Parse(migrationTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("generated migration does not parse: %w", err)
	}
	return src, nil
}

func printNextSteps(w io.Writer, path, fn string) {
	fmt.Fprintf(w, "\n✓ Created migration: %s\n", path)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Open %s and implement %s\n", path, fn)
	fmt.Fprintf(w, "  2. Add %s to the catalog in %s\n", fn, filepath.Join(filepath.Dir(path), "register.go"))
	fmt.Fprintln(w, "  3. Run 'converge up'")
	fmt.Fprintln(w)
}

// funcName turns "add user index" into "AddUserIndex".
func funcName(name string) string {
	var b strings.Builder
	for _, word := range splitWords(name) {
		r := []rune(word)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	out := b.String()
	if out != "" && unicode.IsDigit([]rune(out)[0]) {
		out = "M" + out
	}
	return out
}

func snakeName(name string) string {
	words := splitWords(name)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, "_")
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func packageName(dir string) string {
	base := snakeName(filepath.Base(filepath.Clean(dir)))
	base = strings.ReplaceAll(base, "_", "")
	if base == "" || unicode.IsDigit([]rune(base)[0]) {
		return "migrations"
	}
	return base
}

const migrationTemplate = `package {{.Package}}

import (
	"context"

	"github.com/drewjocham/mongo-converge/migration"
)

// {{.FuncName}} applies {{printf "%q" .Description}}.
func {{.FuncName}}() (migration.Migration, error) {
	return migration.New(
		migration.MustVersion({{.Version}}),
		{{printf "%q" .Description}},
		func(ctx context.Context, db migration.Database) error {
			// db.Mongo() exposes the driver database for schema changes.
			// Document rewrites belong in migration.NewCollectionMigration.
			_ = db.Collection("example")
			return nil
		},
	), nil
}
`
