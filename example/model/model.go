// Package model declares the entity types of the example blog schema.
package model

import "github.com/mickamy/relmap/orm"

var (
	User    = orm.NewType("User")
	Post    = orm.NewType("Post")
	Comment = orm.NewType("Comment")
)

func init() {
	User.Relate(
		orm.HasMany("posts", Post),
	)
	Post.Relate(
		orm.BelongsTo("author", User),
		orm.HasMany("comments", Comment),
	)
	Comment.Relate(
		orm.BelongsTo("post", Post),
	)
}
