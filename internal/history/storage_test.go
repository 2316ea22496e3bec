package history

import (
	"context"
	"path/filepath"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = g.Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage ImageStore
		ctx     context.Context
	)

	g.BeforeEach(func() {
		ctx = context.Background()
		tmpDir = g.GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	g.Describe("Save", func() {
		var (
			key      string
			data     []byte
			savedKey string
			err      error
		)

		g.BeforeEach(func() {
			key = "scan-1.jpg"
			data = []byte("label image")
		})

		g.JustBeforeEach(func() {
			savedKey, err = storage.Save(ctx, key, data, "image/jpeg")
		})

		g.When("saving succeeds", func() {
			g.It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			g.It("should return the key", func() {
				Expect(savedKey).To(Equal(key))
			})

			g.It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, key)).To(BeAnExistingFile())
			})
		})

		g.When("the key tries to escape the storage directory", func() {
			g.BeforeEach(func() {
				key = "../../etc/evil.jpg"
			})

			g.It("should keep the file inside the storage directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedKey).To(Equal("evil.jpg"))
				Expect(filepath.Join(tmpDir, "evil.jpg")).To(BeAnExistingFile())
			})
		})
	})

	g.Describe("Get", func() {
		var (
			key  string
			data []byte
			err  error
		)

		g.JustBeforeEach(func() {
			data, err = storage.Get(ctx, key)
		})

		g.When("file exists", func() {
			g.BeforeEach(func() {
				key = "scan-1.png"
				_, saveErr := storage.Save(ctx, key, []byte("label image"), "image/png")
				Expect(saveErr).NotTo(HaveOccurred())
			})

			g.It("should return the file data", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("label image"))
			})
		})

		g.When("file does not exist", func() {
			g.BeforeEach(func() {
				key = "nonexistent.jpg"
			})

			g.It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("reading file")))
			})
		})
	})

	g.Describe("Delete", func() {
		var (
			key string
			err error
		)

		g.JustBeforeEach(func() {
			err = storage.Delete(ctx, key)
		})

		g.When("file exists", func() {
			g.BeforeEach(func() {
				key = "scan-1.jpg"
				_, saveErr := storage.Save(ctx, key, []byte("label image"), "image/jpeg")
				Expect(saveErr).NotTo(HaveOccurred())
			})

			g.It("should remove the file from disk", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, key)).NotTo(BeAnExistingFile())
			})
		})

		g.When("file does not exist", func() {
			g.BeforeEach(func() {
				key = "nonexistent.jpg"
			})

			g.It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("deleting file")))
			})
		})
	})

	g.Describe("NewLocalStorage", func() {
		g.It("should create a missing directory", func() {
			storagePath := filepath.Join(g.GinkgoT().TempDir(), "images")
			_, err := NewLocalStorage(storagePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(storagePath).To(BeADirectory())
		})
	})
})
