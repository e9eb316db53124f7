package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gopersist/app/persistence"
	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/session"
	"gopersist/errors"
	"gopersist/validation"
)

func newCourseCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "course",
		Short: "课程的增删改查",
	}

	var code string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "新建课程",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(opts, func(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
			return runCourseAdd(ctx, rt, out, args[0], code)
		}),
	}
	add.Flags().StringVar(&code, "code", "", "课程编号，格式 PREFIX-NUMBER，如 CS-101")
	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "按主键读取课程",
		Args:  cobra.ExactArgs(1),
		RunE:  withRuntime(opts, runCourseGet),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出全部课程",
		Args:  cobra.NoArgs,
		RunE:  withRuntime(opts, runCourseList),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "通过命名语句 Course.deleteById 删除课程",
		Args:  cobra.ExactArgs(1),
		RunE:  withRuntime(opts, runCourseDelete),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <name>",
		Short: "修改课程名，提交时由脏检查写回",
		Args:  cobra.ExactArgs(2),
		RunE:  withRuntime(opts, runCourseRename),
	})
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.NewValidationError(fmt.Sprintf("invalid id %q", s))
	}
	return id, validation.ValidateID(id, "id")
}

func parseCourseCode(s string) (CourseCode, error) {
	if s == "" {
		return CourseCode{}, nil
	}
	prefix, number, ok := strings.Cut(s, "-")
	if !ok || prefix == "" || number == "" {
		return CourseCode{}, errors.NewValidationError(fmt.Sprintf("invalid course code %q", s))
	}
	return CourseCode{Prefix: prefix, Number: number}, nil
}

func runCourseAdd(ctx context.Context, rt *persistence.Runtime, out io.Writer, name, code string) error {
	cc, err := parseCourseCode(code)
	if err != nil {
		return err
	}
	c := &Course{Name: name, Code: cc}
	err = rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		return uow.Persist(ctx, c)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created course %d %q\n", c.ID, c.Name)
	return nil
}

func runCourseGet(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		c, err := session.Find[Course](ctx, uow, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "course %d %q\n", c.ID, c.Name)
		if code := c.Code.String(); code != "" {
			fmt.Fprintf(out, "  code: %s\n", code)
		}
		fmt.Fprintf(out, "  created: %s\n  updated: %s\n",
			c.CreatedOn.Format(time.RFC3339), c.LastUpdated.Format(time.RFC3339))
		return nil
	})
}

func runCourseList(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	return rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		all, err := session.Query[Course](ctx, uow, "Course.findAll", nil)
		if err != nil {
			return err
		}
		for _, c := range all {
			fmt.Fprintf(out, "%d\t%s\n", c.ID, c.Name)
		}
		fmt.Fprintf(out, "%d course(s)\n", len(all))
		return nil
	})
}

func runCourseDelete(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		n, err := uow.ExecuteNamed(ctx, "Course.deleteById", query.Params{"id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return orm.NotFound("Course", id)
		}
		fmt.Fprintf(out, "deleted course %d\n", id)
		return nil
	})
}

func runCourseRename(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		c, err := session.Find[Course](ctx, uow, id)
		if err != nil {
			return err
		}
		old := c.Name
		c.Name = args[1]
		fmt.Fprintf(out, "renamed course %d %q -> %q\n", id, old, c.Name)
		return nil
	})
}
