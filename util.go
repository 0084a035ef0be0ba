package datamapper

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DBTag is the parsed form of a `db:"name,key auto size=20 allownull"` tag.
type DBTag struct {
	Name      string
	Size      int
	IsAuto    bool
	IsKey     bool
	AllowNull bool
	Skip      bool
}

func ParseDBTag(value string) DBTag {
	var tag DBTag
	tagArr := strings.Split(value, ",")

	checkBool := func(key string, tagarr []string) bool {
		bval := false
		skey := strings.TrimSpace(tagarr[0])
		if strings.EqualFold(skey, key) {
			bval = true
		}

		if bval && len(tagarr) > 1 {
			sval := strings.TrimSpace(tagarr[1])
			if strings.EqualFold(sval, "false") {
				bval = false
			}
		}

		return bval
	}

	tag.Name = strings.TrimSpace(tagArr[0])
	if tag.Name == "-" {
		tag.Skip = true
		return tag
	}

	if len(tagArr) > 1 {
		det := strings.Fields(strings.Join(tagArr[1:], " "))
		for _, v := range det {
			varr := strings.Split(v, "=")
			key := strings.TrimSpace(varr[0])

			if checkBool("auto", varr) {
				tag.IsAuto = true
				continue
			}

			if checkBool("key", varr) {
				tag.IsKey = true
				tag.AllowNull = false
				continue
			}

			if checkBool("allownull", varr) {
				tag.AllowNull = !tag.IsKey
				continue
			}

			if len(varr) > 1 && strings.EqualFold(key, "size") {
				tag.Size, _ = strconv.Atoi(varr[1])
			}
		}
	}

	return tag
}

func sliceMap[In any, Out any](list []In, mapFn func(val In) Out) []Out {
	var newSlice = make([]Out, len(list))
	for i, val := range list {
		newSlice[i] = mapFn(val)
	}

	return newSlice
}

func sliceContains[T comparable](list []T, val T) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}

	return false
}

func sliceFilter[T any](slice []T, filterFunc func(val T) bool) []T {
	var newSlice []T
	for i, val := range slice {
		if filterFunc(val) {
			newSlice = append(newSlice, slice[i])
		}
	}

	return newSlice
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
