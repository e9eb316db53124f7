package main

import (
	"time"

	"gopersist/app/persistence"
	"gopersist/data/orm"
	"gopersist/data/orm/query"
)

// CourseCode 以 code_prefix、code_number 两列展开存储
type CourseCode struct {
	Prefix string
	Number string
}

func (c CourseCode) String() string {
	if c.Prefix == "" && c.Number == "" {
		return ""
	}
	return c.Prefix + "-" + c.Number
}

type Course struct {
	ID          int64
	Name        string
	Code        CourseCode `orm:"embedded"`
	CreatedOn   time.Time  `orm:"created"`
	LastUpdated time.Time  `orm:"updated"`
}

type Person struct {
	ID        int64
	Name      string
	Location  string
	BirthDate time.Time
}

// Subject 评价的 mapped_by 一侧
type Subject struct {
	ID       int64
	Name     string
	Reviews  orm.Many[Review]  `orm:"one_to_many,mapped_by:Subject"`
	Students orm.Many[Student] `orm:"many_to_many,mapped_by:Subjects"`
}

type Review struct {
	ID          int64
	Rating      int
	Description string
	Subject     orm.Ref[Subject] `orm:"many_to_one,fetch:lazy"`
}

type Passport struct {
	ID      int64
	Number  string
	Student orm.Ref[Student] `orm:"one_to_one,mapped_by:Passport,fetch:lazy"`
}

// Student 持有 passport_id 外键与 student_subject 连接表
type Student struct {
	ID       int64
	Name     string
	Passport orm.Ref[Passport] `orm:"one_to_one,fetch:lazy"`
	Subjects orm.Many[Subject] `orm:"many_to_many,join:student_subject,join_column:student_id,inverse_column:subject_id"`
}

func schoolMapping(m *persistence.Mapper) error {
	models := []struct {
		model any
		table string
	}{
		{Course{}, "course"},
		{Person{}, "person"},
		{Subject{}, "subjects"},
		{Review{}, "reviews"},
		{Passport{}, "passports"},
		{Student{}, "students"},
	}
	for _, e := range models {
		if _, err := m.Kinds.RegisterModel(e.model, orm.WithTable(e.table)); err != nil {
			return err
		}
	}

	return m.Statements.Register(
		query.Delete("Course.deleteById", "Course").Where("id", "id"),
		query.Select("Course.findById", "Course").Where("id", "id"),
		query.Select("Course.findAll", "Course").OrderBy("id", false),
		query.Select("Person.findAll", "Person").OrderBy("id", false),
		query.Select("Subject.byName", "Subject").Where("name", "name"),
	)
}
