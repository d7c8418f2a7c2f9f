package crdt

import (
	"testing"

	"github.com/tonk-labs/tonk/common"

	"github.com/stretchr/testify/assert"
)

func TestTxnObjectHandleGetSetDelete(t *testing.T) {
	doc := NewDocument(common.NewPeerId())

	_, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		if err := root.Set("name", String("a.txt")); err != nil {
			return err
		}
		v, ok := root.Get("name")
		assert.True(t, ok)
		assert.Equal(t, "a.txt", v.Str)
		return root.Delete("name")
	})
	assert.NoError(t, err)

	view := doc.View().(map[string]interface{})
	assert.NotContains(t, view, "name")
}

func TestTxnNestedObject(t *testing.T) {
	doc := NewDocument(common.NewPeerId())

	_, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		child, err := root.Object("dir")
		if err != nil {
			return err
		}
		return child.Set("file", String("contents"))
	})
	assert.NoError(t, err)

	view := doc.View().(map[string]interface{})
	dir := view["dir"].(map[string]interface{})
	assert.Equal(t, "contents", dir["file"])
}

func TestTxnTextHandle(t *testing.T) {
	doc := NewDocument(common.NewPeerId())

	_, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		text, err := root.Text("body")
		if err != nil {
			return err
		}
		if err := text.Insert(0, "Hello"); err != nil {
			return err
		}
		if err := text.Insert(5, " World"); err != nil {
			return err
		}
		assert.Equal(t, "Hello World", text.String())
		return text.Delete(5, 11)
	})
	assert.NoError(t, err)

	view := doc.View().(map[string]interface{})
	assert.Equal(t, "Hello", view["body"])
}

func TestTxnArrayHandle(t *testing.T) {
	doc := NewDocument(common.NewPeerId())

	_, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		arr, err := root.Array("items")
		if err != nil {
			return err
		}
		if err := arr.Append(String("a")); err != nil {
			return err
		}
		if err := arr.Append(String("b")); err != nil {
			return err
		}
		assert.Equal(t, 2, arr.Length())
		return arr.Delete(0)
	})
	assert.NoError(t, err)

	view := doc.View().(map[string]interface{})
	items := view["items"].([]interface{})
	assert.Equal(t, []interface{}{"b"}, items)
}

func TestTxnArrayHandleAppendObject(t *testing.T) {
	doc := NewDocument(common.NewPeerId())

	_, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		arr, err := root.Array("entries")
		if err != nil {
			return err
		}
		entry, err := arr.AppendObject()
		if err != nil {
			return err
		}
		return entry.Set("name", String("entry.txt"))
	})
	assert.NoError(t, err)

	view := doc.View().(map[string]interface{})
	entries := view["entries"].([]interface{})
	assert.Len(t, entries, 1)
	assert.Equal(t, "entry.txt", entries[0].(map[string]interface{})["name"])
}

func TestTxnBytesHandle(t *testing.T) {
	doc := NewDocument(common.NewPeerId())

	_, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		bytes, err := root.Bytes("blob")
		if err != nil {
			return err
		}
		if err := bytes.Append([]byte("hel")); err != nil {
			return err
		}
		return bytes.Append([]byte("lo"))
	})
	assert.NoError(t, err)

	view := doc.View().(map[string]interface{})
	assert.Equal(t, []byte("hello"), view["blob"])
}
