package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"gopersist/app/persistence"
	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/session"
	"gopersist/errors"
)

func newScenarioCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "运行持久化上下文的演示场景",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "track",
		Short: "Persist 之后的修改被跟踪；Merge 不修改调用方实例",
		Args:  cobra.NoArgs,
		RunE:  withRuntime(opts, runTrack),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lifecycle",
		Short: "Flush、Detach、Refresh 与 Clear",
		Args:  cobra.NoArgs,
		RunE:  withRuntime(opts, runLifecycle),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "relations",
		Short: "一对一、一对多与多对多关联",
		Args:  cobra.NoArgs,
		RunE:  withRuntime(opts, runRelations),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lazy",
		Short: "延迟关联在工作单元内解析，结束后访问失败",
		Args:  cobra.NoArgs,
		RunE:  withRuntime(opts, runLazy),
	})
	return cmd
}

func courseName(ctx context.Context, rt *persistence.Runtime, id int64) (string, error) {
	var name string
	err := rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		c, err := session.Find[Course](ctx, uow, id)
		if err != nil {
			return err
		}
		name = c.Name
		return nil
	})
	return name, err
}

func runTrack(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	course := &Course{Name: "KingKong"}
	err := rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		if err := uow.Persist(ctx, course); err != nil {
			return err
		}
		course.Name = "KingKong - Version 2"
		return nil
	})
	if err != nil {
		return err
	}
	stored, err := courseName(ctx, rt, course.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "persist: course %d stored as %q\n", course.ID, stored)

	detached := &Person{Name: "Ranga", Location: "Hyderabad", BirthDate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)}
	var managed *Person
	err = rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		v, err := uow.Merge(ctx, detached)
		if err != nil {
			return err
		}
		managed = v.(*Person)
		managed.Location = "Amsterdam"
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "merge: caller instance id=%d location=%q, managed copy id=%d location=%q\n",
		detached.ID, detached.Location, managed.ID, managed.Location)

	return rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		people, err := session.Query[Person](ctx, uow, "Person.findAll", nil)
		if err != nil {
			return err
		}
		for _, p := range people {
			fmt.Fprintf(out, "person %d %s %s %s\n", p.ID, p.Name, p.Location, p.BirthDate.Format("2006-01-02"))
		}
		return nil
	})
}

func runLifecycle(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	var first, second *Course
	err := rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		first = &Course{Name: "KingKong"}
		if err := uow.Persist(ctx, first); err != nil {
			return err
		}
		if err := uow.Flush(ctx); err != nil {
			return err
		}
		first.Name = "KingKong - Version 2"
		if err := uow.Flush(ctx); err != nil {
			return err
		}

		second = &Course{Name: "Godzilla"}
		if err := uow.Persist(ctx, second); err != nil {
			return err
		}
		if err := uow.Flush(ctx); err != nil {
			return err
		}
		if err := uow.Detach(ctx, second); err != nil {
			return err
		}
		second.Name = "Godzilla - Version 2"
		if err := uow.Flush(ctx); err != nil {
			return err
		}

		first.Name = "KingKong - Reboot"
		if err := uow.Refresh(ctx, first); err != nil {
			return err
		}
		fmt.Fprintf(out, "refresh: course %d back to %q\n", first.ID, first.Name)

		if err := uow.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "clear: %d managed instance(s)\n", uow.IdentityMap().Len())
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range []*Course{first, second} {
		name, err := courseName(ctx, rt, c.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "stored: course %d %q\n", c.ID, name)
	}
	return nil
}

func runRelations(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	var studentID, subjectID int64
	err := rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		passport := &Passport{Number: "Z23456"}
		if err := uow.Persist(ctx, passport); err != nil {
			return err
		}
		student := &Student{Name: "Jumbo"}
		student.Passport.Set(passport)
		if err := uow.Persist(ctx, student); err != nil {
			return err
		}

		subject := &Subject{Name: "Physics"}
		if err := uow.Persist(ctx, subject); err != nil {
			return err
		}
		for i, text := range []string{"great", "awesome"} {
			review := &Review{Rating: 5 - i, Description: text}
			review.Subject.Set(subject)
			subject.Reviews.Add(review)
			if err := uow.Persist(ctx, review); err != nil {
				return err
			}
		}
		if _, err := uow.Associate(ctx, student, "Subjects", subject); err != nil {
			return err
		}
		if err := uow.Flush(ctx); err != nil {
			return err
		}
		studentID, subjectID = student.ID, subject.ID
		return nil
	})
	if err != nil {
		return err
	}

	return rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		student, err := session.Find[Student](ctx, uow, studentID)
		if err != nil {
			return err
		}
		passport, err := student.Passport.Get(ctx)
		if err != nil {
			return err
		}
		owner, err := passport.Student.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "student %d %q holds passport %q (inverse side same instance: %t)\n",
			student.ID, student.Name, passport.Number, owner == student)

		found, err := session.Query[Subject](ctx, uow, "Subject.byName", query.Params{"name": "Physics"})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return orm.NotFound("Subject", subjectID)
		}
		subject := found[0]
		reviews, err := subject.Reviews.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "subject %q has %d review(s)\n", subject.Name, len(reviews))
		students, err := subject.Students.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "subject %q has %d student(s)\n", subject.Name, len(students))
		return nil
	})
}

func runLazy(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error {
	var reviewID int64
	err := rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		subject := &Subject{Name: "Chemistry"}
		review := &Review{Rating: 4, Description: "tough"}
		review.Subject.Set(subject)
		if err := uow.Persist(ctx, subject); err != nil {
			return err
		}
		if err := uow.Persist(ctx, review); err != nil {
			return err
		}
		if err := uow.Flush(ctx); err != nil {
			return err
		}
		reviewID = review.ID
		return nil
	})
	if err != nil {
		return err
	}

	err = rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		review, err := session.Find[Review](ctx, uow, reviewID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "loaded review %d, subject loaded: %t\n", review.ID, review.Subject.Loaded())
		subject, err := review.Subject.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "resolved subject %q inside unit of work\n", subject.Name)
		return nil
	})
	if err != nil {
		return err
	}

	// 未解析的延迟关联在工作单元结束后不可访问
	var kept *Review
	err = rt.Manager.Within(ctx, func(ctx context.Context, uow *session.UnitOfWork) error {
		review, err := session.Find[Review](ctx, uow, reviewID)
		if err != nil {
			return err
		}
		kept = review
		return nil
	})
	if err != nil {
		return err
	}
	_, err = kept.Subject.Get(ctx)
	if !errors.IsErrorCode(err, errors.ErrCodeDetachedAccess) {
		return fmt.Errorf("expected detached access, got %v", err)
	}
	fmt.Fprintf(out, "after close: %v\n", err)
	return nil
}
