package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/notifysafe/internal/template"
)

var (
	templateSearch   string
	templateCategory string
	templateLimit    int
	templateExpected int
	templateEditor   string
	templateBodyFile string
	templateVars     []string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show a template with its version history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateEditCmd = &cobra.Command{
	Use:   "edit <id|name> [body]",
	Short: "Save a new template version",
	Long: `Save a new version of a template. The edit is rejected when the template
has moved past --expected since you read it.

Examples:
  notifysafe template edit TEM001 "Hi {{user}}, welcome back" --expected 1 --editor alice
  notifysafe template edit OTP_SENT --body-file otp.txt --expected 3 --editor bob`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTemplateEdit,
}

var templateRenderCmd = &cobra.Command{
	Use:   "render <name>",
	Short: "Render the latest version of a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateRender,
}

func init() {
	templateListCmd.Flags().StringVar(&templateSearch, "search", "", "Filter by name or description")
	templateListCmd.Flags().StringVar(&templateCategory, "category", "", "Filter by category")
	templateListCmd.Flags().IntVar(&templateLimit, "limit", 0, "Maximum number of templates")

	templateEditCmd.Flags().IntVar(&templateExpected, "expected", 0, "Version the edit is based on (required)")
	templateEditCmd.Flags().StringVar(&templateEditor, "editor", "", "Editor recorded on the version (required)")
	templateEditCmd.Flags().StringVar(&templateBodyFile, "body-file", "", "Read the body from a file (- for stdin)")
	templateEditCmd.MarkFlagRequired("expected")
	templateEditCmd.MarkFlagRequired("editor")

	templateRenderCmd.Flags().StringArrayVar(&templateVars, "var", nil, "Variable key=value (repeatable)")

	templateCmd.AddCommand(templateListCmd, templateShowCmd, templateEditCmd, templateRenderCmd)
	rootCmd.AddCommand(templateCmd)
}

// lookupTemplate resolves a template by ID first, then by name
func lookupTemplate(ctx context.Context, store template.Store, ref string) (*template.Template, error) {
	tmpl, err := store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		tmpl, err = store.GetByName(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", template.ErrTemplateNotFound, ref)
	}
	return tmpl, nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	templates, err := stores.Templates.List(context.Background(), template.ListFilter{
		Search:   templateSearch,
		Category: templateCategory,
		Limit:    templateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tVERSION\tUPDATED")
	fmt.Fprintln(w, "--\t----\t--------\t-------\t-------")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%s\n",
			t.ID, t.Name, t.Category, t.LatestVersion(),
			t.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d templates\n", len(templates))
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	tmpl, err := lookupTemplate(context.Background(), stores.Templates, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", tmpl.ID)
	fmt.Printf("Name:        %s\n", tmpl.Name)
	if tmpl.Category != "" {
		fmt.Printf("Category:    %s\n", tmpl.Category)
	}
	if tmpl.Description != "" {
		fmt.Printf("Description: %s\n", tmpl.Description)
	}
	if latest := tmpl.Latest(); latest != nil {
		fmt.Printf("Placeholders: %s\n", strings.Join(template.Placeholders(latest.Body), ", "))
	}
	fmt.Println()

	for _, v := range tmpl.Versions {
		editor := v.Editor
		if editor == "" {
			editor = "-"
		}
		fmt.Printf("v%d  %s  %s\n", v.Number, v.CreatedAt.Format("2006-01-02 15:04:05"), editor)
		fmt.Printf("    %s\n", v.Body)
	}
	return nil
}

func runTemplateEdit(cmd *cobra.Command, args []string) error {
	body, err := editBody(args)
	if err != nil {
		return err
	}

	cfg, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	ctx := context.Background()
	tmpl, err := lookupTemplate(ctx, stores.Templates, args[0])
	if err != nil {
		return err
	}

	svc, err := newOfflineService(cfg, stores)
	if err != nil {
		return err
	}

	updated, err := svc.SaveTemplateEdit(ctx, tmpl.ID, templateExpected, body, templateEditor)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	fmt.Printf("Saved %s v%d\n", updated.Name, updated.Version)
	if updated.ObservabilityDegraded {
		fmt.Println("Warning: the edit was saved but could not be written to the audit log")
	}
	return nil
}

func editBody(args []string) (string, error) {
	switch {
	case len(args) == 2 && templateBodyFile != "":
		return "", fmt.Errorf("pass the body as an argument or --body-file, not both")
	case len(args) == 2:
		return args[1], nil
	case templateBodyFile == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	case templateBodyFile != "":
		data, err := os.ReadFile(templateBodyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	default:
		return "", fmt.Errorf("template body is required")
	}
}

func runTemplateRender(cmd *cobra.Command, args []string) error {
	vars, err := parseMeta(templateVars)
	if err != nil {
		return err
	}

	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	text, err := template.NewRenderer(stores.Templates).Render(context.Background(), args[0], vars)
	if err != nil {
		return err
	}

	fmt.Println(text)
	return nil
}
